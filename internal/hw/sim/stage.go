package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zfett/vpipe/internal/hw"
)

// Call is one recorded collaborator invocation
type Call struct {
	Target string
	Op     string
	Arg    string
}

// Recorder collects calls across the whole device in order
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) record(target, op, arg string) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Target: target, Op: op, Arg: arg})
	r.mu.Unlock()
}

// Calls returns a copy of every call recorded so far
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls match target and op. An empty target matches any.
func (r *Recorder) Count(target, op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if (target == "" || c.Target == target) && c.Op == op {
			n++
		}
	}
	return n
}

// CountPrefix counts calls whose target starts with prefix
func (r *Recorder) CountPrefix(prefix, op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if len(c.Target) >= len(prefix) && c.Target[:len(prefix)] == prefix && c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets every recorded call
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Stage is a simulated processing block
type Stage struct {
	id  hw.StageID
	rec *Recorder

	mu       sync.Mutex
	powered  bool
	running  bool
	params   hw.StageParams
	failures map[string]error
}

func newStage(id hw.StageID, rec *Recorder) *Stage {
	return &Stage{id: id, rec: rec, failures: make(map[string]error)}
}

// ID implements hw.Stage
func (s *Stage) ID() hw.StageID { return s.id }

// FailOn makes the next and every later call of op return err. A nil err clears it.
func (s *Stage) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Stage) call(op, arg string) error {
	s.rec.record(s.id.String(), op, arg)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

// PowerOn implements hw.Stage
func (s *Stage) PowerOn(ctx context.Context) error {
	if err := s.call("power_on", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.powered = true
	s.mu.Unlock()
	return nil
}

// PowerOff implements hw.Stage
func (s *Stage) PowerOff(ctx context.Context) error {
	if err := s.call("power_off", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.powered = false
	s.running = false
	s.mu.Unlock()
	return nil
}

// Reset implements hw.Stage
func (s *Stage) Reset(ctx context.Context) error {
	if err := s.call("reset", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Configure implements hw.Stage
func (s *Stage) Configure(ctx context.Context, params hw.StageParams) error {
	if err := s.call("configure", fmt.Sprintf("%dx%d->%dx%d@%d,%d",
		params.InWidth, params.InHeight, params.OutWidth, params.OutHeight, params.X, params.Y)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.powered {
		return fmt.Errorf("%s: configure while powered off", s.id)
	}
	s.params = params
	return nil
}

// Start implements hw.Stage
func (s *Stage) Start(ctx context.Context) error {
	if err := s.call("start", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop implements hw.Stage
func (s *Stage) Stop(ctx context.Context) error {
	if err := s.call("stop", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Powered reports the power state
func (s *Stage) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

// Running reports whether Start was called since the last Stop or Reset
func (s *Stage) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Params returns the last configured geometry
func (s *Stage) Params() hw.StageParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// WriteEngine is a simulated write engine
type WriteEngine struct {
	*Stage

	wmu       sync.Mutex
	addr      uint64
	pitch     uint32
	format    hw.PixelFormat
	region    hw.Region
	callbacks map[int]func(hw.FrameDone)
	nextCB    int
	frames    uint64
}

// SetOutputBuffer implements hw.WriteEngine
func (w *WriteEngine) SetOutputBuffer(addr uint64, pitch uint32, format hw.PixelFormat) error {
	if err := w.call("set_output_buffer", fmt.Sprintf("%#x", addr)); err != nil {
		return err
	}
	w.wmu.Lock()
	w.addr, w.pitch, w.format = addr, pitch, format
	w.wmu.Unlock()
	return nil
}

// SetRegion implements hw.WriteEngine
func (w *WriteEngine) SetRegion(r hw.Region) error {
	if err := w.call("set_region", fmt.Sprintf("%dx%d", r.OutWidth, r.OutHeight)); err != nil {
		return err
	}
	w.wmu.Lock()
	w.region = r
	w.wmu.Unlock()
	return nil
}

// RegisterFrameCallback implements hw.WriteEngine
func (w *WriteEngine) RegisterFrameCallback(cb func(hw.FrameDone)) func() {
	w.rec.record(w.id.String(), "register_frame_callback", "")
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.callbacks == nil {
		w.callbacks = make(map[int]func(hw.FrameDone))
	}
	key := w.nextCB
	w.nextCB++
	w.callbacks[key] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			w.rec.record(w.id.String(), "unregister_frame_callback", "")
			w.wmu.Lock()
			delete(w.callbacks, key)
			w.wmu.Unlock()
		})
	}
}

// Callbacks returns how many frame callbacks are registered
func (w *WriteEngine) Callbacks() int {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return len(w.callbacks)
}

// Address returns the programmed output address
func (w *WriteEngine) Address() uint64 {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.addr
}

// completeFrame invokes every frame callback if the engine is running
func (w *WriteEngine) completeFrame(now time.Time) {
	if !w.Running() {
		return
	}
	w.wmu.Lock()
	w.frames++
	done := hw.FrameDone{Stage: w.id, Frame: w.frames, Time: now}
	cbs := make([]func(hw.FrameDone), 0, len(w.callbacks))
	for _, cb := range w.callbacks {
		cbs = append(cbs, cb)
	}
	w.wmu.Unlock()
	for _, cb := range cbs {
		cb(done)
	}
}
