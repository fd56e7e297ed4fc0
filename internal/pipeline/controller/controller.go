package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/events"
	"github.com/zfett/vpipe/internal/pipeline/monitor"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/pipeline/timing"
	"github.com/zfett/vpipe/internal/pipeline/topology"
	"github.com/zfett/vpipe/internal/pipeline/trigger"
)

// Publisher receives the events of a pipeline
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// Observer mirrors pipeline activity, typically into metrics
type Observer interface {
	CounterAdded(path int, c monitor.Counter, n uint64)
	StateChanged(path int, s State)
	BatchSubmitted(path int, p reconfig.Purpose, err error)
	BatchCompleted(path int, c reconfig.Completion)
}

// Option configures a Controller
type Option func(*Controller)

// WithPublisher sets where events go
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

// WithObserver sets the activity observer
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithPool shares trigger sequencers with other controllers
func WithPool(p *SequencerPool) Option {
	return func(c *Controller) { c.pool = p }
}

// WithMonitorSettings tunes the monitor loops
func WithMonitorSettings(m MonitorSettings) Option {
	return func(c *Controller) { c.mon = m.withDefaults() }
}

// runtime is what one Init builds. It is replaced as a whole on the next
// Init, so readers holding it never see a half-built pipeline.
type runtime struct {
	instance string
	cfg      resolved
	plan     *topology.Plan
	ring     *ring.Ring
	channel  *reconfig.Channel
	counters *monitor.Counters
	timing   *timing.Tracker
	started  time.Time

	firstFrame atomic.Bool
	generation atomic.Uint64

	// geometry is what the write engines currently produce. Reconfigure
	// parks the next one in pending until its batch completes.
	geometry atomic.Pointer[geometry]
	pending  atomic.Pointer[geometry]
}

type geometry struct {
	cfg  Config
	plan *topology.Plan
}

func (rt *runtime) active() *geometry { return rt.geometry.Load() }

func (rt *runtime) stats() events.Stats {
	sum := rt.timing.Summary()
	get := rt.counters.Get
	return events.Stats{
		SOFCount:          get(monitor.CounterSOF),
		FrameCount:        get(monitor.CounterFrame),
		SkipCount:         get(monitor.CounterSkip),
		MissCount:         get(monitor.CounterMiss),
		UnderflowCount:    get(monitor.CounterUnderflow),
		OverrunCount:      get(monitor.CounterOverrun),
		RecoveryCount:     get(monitor.CounterRecovery),
		EscalationCount:   get(monitor.CounterEscalation),
		BusyCount:         get(monitor.CounterBusy),
		ExhaustedCount:    rt.ring.Exhausted(),
		SOFIntervalMean:   sum.Mean,
		SOFIntervalJitter: sum.Jitter,
	}
}

// Controller runs the lifecycle of one display path:
//
//	Uninitialized -> Init -> Triggered -> Displaying <-> Paused
//
// Deinit is accepted from every state and ends in Deinitialized; a fresh
// Init starts over. Commands are serialized.
type Controller struct {
	path   int
	dev    hw.Device
	logger *zap.Logger
	pool   *SequencerPool
	pub    Publisher
	obs    Observer
	mon    MonitorSettings

	state atomic.Int32
	phase atomic.Int32
	rt    atomic.Pointer[runtime]

	mu         sync.Mutex
	incomplete bool
	input      hw.Timing
	seq        *trigger.Sequencer
	enabled    bool
	running    bool
	topo       *topology.Topology
	powered    []hw.StageID
	delayed    hw.SyncResource
	timer      hw.SyncResource
	monitors   []*monitor.Monitor
	unhook     []func()
	cancel     context.CancelFunc
}

// New creates an uninitialized controller for a display path
func New(path int, dev hw.Device, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		path:   path,
		dev:    dev,
		logger: logger.With(zap.Int("path", path)),
		mon:    MonitorSettings{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = NewSequencerPool(dev, logger)
	}
	return c
}

// Path returns the display path index
func (c *Controller) Path() int { return c.path }

// State returns the lifecycle state
func (c *Controller) State() State { return State(c.state.Load()) }

// Incomplete reports whether the last Init failed part way
func (c *Controller) Incomplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incomplete
}

func (c *Controller) setState(s State) {
	from := State(c.state.Swap(int32(s)))
	if from != s {
		c.logger.Info("State changed", zap.String("from", from.String()), zap.String("to", s.String()))
	}
	if c.obs != nil {
		c.obs.StateChanged(c.path, s)
	}
}

func (c *Controller) currentPhase() monitor.Phase { return monitor.Phase(c.phase.Load()) }

func (c *Controller) publish(ev events.Event) {
	if c.pub == nil {
		return
	}
	if rt := c.rt.Load(); rt != nil {
		ev.Instance = rt.instance
	}
	c.pub.Publish(ev)
}

func (c *Controller) check(cmd Command) error {
	if c.incomplete && cmd != CmdDeinit {
		return fmt.Errorf("%s: %w", cmd, ErrInitIncomplete)
	}
	if s := c.State(); !Allowed(s, cmd) {
		return &TransitionError{From: s, Command: cmd}
	}
	return nil
}

// Init acquires the trigger resource, connects the topology, powers the
// stages, prepares the input and starts the monitors. Configuration errors
// are returned before anything is touched. Any later failure leaves what was
// acquired in place for Deinit to release.
func (c *Controller) Init(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdInit); err != nil {
		return err
	}
	if cfg.Path != c.path {
		return fmt.Errorf("%w: config for path %d given to path %d", ErrInvalidConfig, cfg.Path, c.path)
	}
	r, err := cfg.withDefaults().resolve(c.dev.Source(c.path) != nil)
	if err != nil {
		return err
	}
	plan, err := topology.Build(r.topology())
	if err != nil {
		return err
	}
	if err := c.pool.Check(r.SyncGroup, r.usage()); err != nil {
		return err
	}

	rt := c.newRuntime(r, plan)
	c.rt.Store(rt)
	c.incomplete = true
	c.phase.Store(int32(monitor.PhaseIdle))
	c.setState(StateInit)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if err := c.init(ctx, runCtx, rt); err != nil {
		c.logger.Error("Init failed, deinit required", zap.Error(err))
		return err
	}
	c.incomplete = false

	c.logger.Info("Pipeline initialized",
		zap.String("instance", rt.instance),
		zap.String("split", plan.Split.String()),
		zap.Int("stages", len(plan.Members)),
		zap.Int("buffers", r.BufferCount))
	return nil
}

func (c *Controller) newRuntime(r resolved, plan *topology.Plan) *runtime {
	rt := &runtime{
		instance: uuid.New().String(),
		cfg:      r,
		plan:     plan,
		ring:     ring.New(r.addrs(), c.logger),
		timing:   timing.NewTracker(timing.DefaultWindow),
		started:  time.Now(),
	}
	rt.geometry.Store(&geometry{cfg: r.Config, plan: plan})
	rt.counters = monitor.NewCounters(func(counter monitor.Counter, n uint64) {
		if c.obs != nil {
			c.obs.CounterAdded(c.path, counter, n)
		}
	})
	rt.channel = reconfig.New(c.dev.Queue(), rt.ring, c.logger,
		reconfig.WithCompletionHook(c.completed(rt)),
		reconfig.WithSubmitHook(func(p reconfig.Purpose, err error) {
			if c.obs != nil {
				c.obs.BatchSubmitted(c.path, p, err)
			}
		}))
	return rt
}

func (c *Controller) init(ctx, runCtx context.Context, rt *runtime) error {
	seq, err := c.pool.Acquire(ctx, rt.cfg.SyncGroup, rt.cfg.usage())
	if err != nil {
		return err
	}
	c.seq = seq

	c.topo = topology.New(c.dev.Graph(), seq.Resource(), c.logger)
	if _, err := c.topo.Connect(ctx, rt.cfg.topology()); err != nil {
		return err
	}

	if err := c.powerOn(ctx, rt.plan.Members); err != nil {
		return err
	}
	if err := c.configure(ctx, rt); err != nil {
		return err
	}
	if err := c.prepareInput(ctx, rt); err != nil {
		return err
	}
	return c.startMonitors(runCtx, rt)
}

func (c *Controller) stage(id hw.StageID) (hw.Stage, error) {
	st, ok := c.dev.Stage(id)
	if !ok {
		return nil, &StageFault{Stage: id, Op: "lookup", Err: errors.New("no such stage")}
	}
	return st, nil
}

// powerOn powers and resets every stage in parallel
func (c *Controller) powerOn(ctx context.Context, ids []hw.StageID) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		st, err := c.stage(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := st.PowerOn(gctx); err != nil {
				return &StageFault{Stage: id, Op: "power_on", Err: err}
			}
			mu.Lock()
			c.powered = append(c.powered, id)
			mu.Unlock()
			if err := st.Reset(gctx); err != nil {
				return &StageFault{Stage: id, Op: "reset", Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) configure(ctx context.Context, rt *runtime) error {
	if err := c.configureStages(ctx, rt.plan); err != nil {
		return err
	}
	engines, err := c.program(rt, rt.active().plan)
	if err != nil {
		return err
	}
	// every active engine finishes the same frame; count one of them
	if len(engines) > 0 {
		c.unhook = append(c.unhook, engines[0].RegisterFrameCallback(c.frameDone(rt)))
	}
	return nil
}

func (c *Controller) configureStages(ctx context.Context, plan *topology.Plan) error {
	for _, id := range plan.Stages {
		st, err := c.stage(id)
		if err != nil {
			return err
		}
		if err := st.Configure(ctx, plan.StageParams(id)); err != nil {
			return &StageFault{Stage: id, Op: "configure", Err: err}
		}
	}
	return nil
}

// program points every active write engine of plan at the next empty buffer
// and returns the engines
func (c *Controller) program(rt *runtime, plan *topology.Plan) ([]hw.WriteEngine, error) {
	buf, err := rt.ring.GetEmpty()
	if err != nil {
		return nil, err
	}
	bpp := rt.cfg.format.BytesPerPixel()
	pitch := uint32(rt.cfg.OutWidth * bpp)

	var engines []hw.WriteEngine
	for _, chain := range plan.Chains {
		if !chain.Active() {
			continue
		}
		st, err := c.stage(chain.WriteEngine)
		if err != nil {
			return nil, err
		}
		we, ok := st.(hw.WriteEngine)
		if !ok {
			return nil, &StageFault{Stage: chain.WriteEngine, Op: "configure", Err: errors.New("not a write engine")}
		}
		if err := we.SetRegion(chain.Region); err != nil {
			return nil, &StageFault{Stage: chain.WriteEngine, Op: "set_region", Err: err}
		}
		addr := buf.Addr + uint64(chain.Region.X*bpp)
		if rt.cfg.Compressed {
			addr += reconfig.HeaderOffset(chain.Region.OutWidth, chain.Region.OutHeight)
		}
		if err := we.SetOutputBuffer(addr, pitch, rt.cfg.format); err != nil {
			return nil, &StageFault{Stage: chain.WriteEngine, Op: "set_output_buffer", Err: err}
		}
		engines = append(engines, we)
	}
	return engines, nil
}

func (c *Controller) prepareInput(ctx context.Context, rt *runtime) error {
	if !rt.cfg.external {
		pat := c.dev.Pattern(c.path)
		if pat == nil {
			return fmt.Errorf("path %d has no pattern generator", c.path)
		}
		if err := pat.Configure(ctx, rt.cfg.OutWidth, rt.cfg.OutHeight, rt.cfg.Panel); err != nil {
			return fmt.Errorf("configure pattern: %w", err)
		}
		return c.seq.SelectMode(trigger.ModeContinuous)
	}

	wctx, cancel := context.WithTimeout(ctx, c.mon.StableTimeout)
	input, err := c.dev.Source(c.path).WaitStable(wctx)
	cancel()
	if err != nil {
		return fmt.Errorf("wait for stable input: %w", err)
	}
	c.input = input

	if err := c.seq.SelectMode(rt.cfg.mode); err != nil {
		return err
	}
	if !rt.cfg.Delayed {
		return nil
	}

	res, err := c.dev.AcquireSync(ctx)
	if err != nil {
		return fmt.Errorf("acquire delayed trigger: %w", err)
	}
	c.delayed = res
	us, err := c.seq.ConfigureDelay(res, input, rt.cfg.panel(input))
	if err != nil {
		return fmt.Errorf("configure delayed trigger: %w", err)
	}
	c.logger.Debug("Delayed trigger ready", zap.Uint32("delay_us", us))
	return nil
}

func (c *Controller) startMonitors(ctx context.Context, rt *runtime) error {
	path := c.path
	logger := c.logger

	sof := monitor.NewSOFHandler(monitor.SOFConfig{
		Path:     path,
		Ring:     rt.ring,
		Channel:  rt.channel,
		Plan:     func() *topology.Plan { return rt.active().plan },
		Format:   rt.cfg.format,
		Phase:    c.currentPhase,
		Counters: rt.counters,
		Timing:   rt.timing,
	}, logger)

	monitors := []monitor.Config{{
		Name:          "sof",
		Path:          path,
		Source:        monitor.EventSource(c.dev.Events(), hw.SOFEvent(path)),
		WaitTimeout:   c.mon.SOFTimeout,
		StopTimeout:   c.mon.StopTimeout,
		EscalateAfter: c.mon.MissEscalate,
		OnFire:        sof.Fire,
		OnMiss: func(int) {
			// no SOF is expected before Trigger
			if c.currentPhase() != monitor.PhaseIdle {
				rt.counters.Add(monitor.CounterMiss, 1)
			}
		},
		OnEscalate: func(misses int) {
			if c.currentPhase() == monitor.PhaseIdle {
				return
			}
			err := fmt.Errorf("%w: %d consecutive", monitor.ErrSyncTimeout, misses)
			c.publish(events.ErrorDetected(path, string(monitor.AlertSyncTimeout), err))
		},
	}}

	underflow := monitor.NewCapture(c.dev.Queue(), path, hw.UnderflowEvent(path), monitor.UnderflowReads(path), logger)
	uh := monitor.NewUnderflowHandler(monitor.UnderflowConfig{
		Path:     path,
		Capture:  underflow,
		Notify:   rt.cfg.NotifyUnderflow,
		Limiter:  rate.NewLimiter(rate.Every(c.mon.AlertInterval), 1),
		Counters: rt.counters,
		OnAlert:  c.alert,
	}, logger)
	monitors = append(monitors, monitor.Config{
		Name:        "underflow",
		Path:        path,
		Source:      underflow,
		StopTimeout: c.mon.StopTimeout,
		OnFire:      uh.Fire,
		Capture:     underflow,
	})

	overrun := monitor.NewCapture(c.dev.Queue(), path, hw.OverrunEvent(path), monitor.OverrunReads(path), logger)
	oh := monitor.NewOverrunHandler(monitor.OverrunConfig{
		Path:        path,
		Capture:     overrun,
		Channel:     rt.channel,
		AutoRecover: rt.cfg.AutoRecover,
		Counters:    rt.counters,
		OnAlert:     c.alert,
	}, logger)
	monitors = append(monitors, monitor.Config{
		Name:        "overrun",
		Path:        path,
		Source:      overrun,
		StopTimeout: c.mon.StopTimeout,
		OnFire:      oh.Fire,
		Capture:     overrun,
	})

	for _, cfg := range monitors {
		if cfg.Capture != nil {
			if err := cfg.Capture.Arm(); err != nil {
				cfg.Capture.Destroy()
				return fmt.Errorf("arm %s capture: %w", cfg.Name, err)
			}
		}
		m := monitor.New(cfg, logger)
		c.monitors = append(c.monitors, m)
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// frameDone counts frames of rt and reports the first one after Trigger
func (c *Controller) frameDone(rt *runtime) func(hw.FrameDone) {
	return func(done hw.FrameDone) {
		if c.rt.Load() != rt || !c.State().Live() {
			return
		}
		rt.counters.Add(monitor.CounterFrame, 1)
		if rt.firstFrame.CompareAndSwap(false, true) {
			buf, _ := rt.ring.Current()
			c.publish(events.FirstFrame(c.path, buf.ID))
		}
	}
}

// completed handles batch completions on the channel's dispatcher
func (c *Controller) completed(rt *runtime) func(reconfig.Completion) {
	return func(comp reconfig.Completion) {
		if c.obs != nil {
			c.obs.BatchCompleted(c.path, comp)
		}
		if comp.Purpose == reconfig.PurposePatternChange {
			c.geometryDone(rt, comp)
		}
		if comp.Err != nil {
			if !errors.Is(comp.Err, hw.ErrDestroyed) {
				c.publish(events.ErrorDetected(c.path, "batch_failed", comp.Err))
			}
			return
		}
		if comp.Purpose != reconfig.PurposeAddressUpdate || !comp.Applied {
			return
		}
		// the buffer set changed with this swap
		gen := rt.ring.Generation()
		if old := rt.generation.Swap(gen); old != gen {
			cur, _ := rt.ring.Current()
			c.publish(events.SequenceChanged(c.path, cur.ID))
		}
	}
}

// geometryDone promotes the pending geometry once its batch landed
func (c *Controller) geometryDone(rt *runtime, comp reconfig.Completion) {
	next := rt.pending.Swap(nil)
	if next == nil || comp.Err != nil {
		return
	}
	rt.geometry.Store(next)
	cur, _ := rt.ring.Current()
	c.logger.Info("Geometry changed",
		zap.Int("in_width", next.cfg.InWidth),
		zap.Int("in_height", next.cfg.InHeight),
		zap.Duration("latency", comp.Latency))
	c.publish(events.SequenceChanged(c.path, cur.ID))
}

func (c *Controller) alert(a monitor.Alert) {
	c.publish(events.ErrorDetected(a.Path, string(a.Kind), a.Err))
}

// Trigger starts the stages and arms the trigger resource; the SOF monitor
// starts driving the buffer ring
func (c *Controller) Trigger(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdTrigger); err != nil {
		return err
	}
	rt := c.rt.Load()

	c.running = true
	for _, id := range rt.plan.Stages {
		st, err := c.stage(id)
		if err != nil {
			return err
		}
		if err := st.Start(ctx); err != nil {
			return &StageFault{Stage: id, Op: "start", Err: err}
		}
	}
	if !rt.cfg.external {
		if err := c.dev.Pattern(c.path).Start(ctx); err != nil {
			return fmt.Errorf("start pattern: %w", err)
		}
	}

	c.phase.Store(int32(monitor.PhaseRunning))
	if err := c.seq.Enable(); err != nil {
		c.phase.Store(int32(monitor.PhaseIdle))
		return err
	}
	c.enabled = true
	c.setState(StateTriggered)
	return nil
}

// Display unmutes the downstream consumer. Low latency paths also get a
// timer-driven trigger.
func (c *Controller) Display(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdDisplay); err != nil {
		return err
	}
	rt := c.rt.Load()

	if rt.cfg.LowLatency {
		res, err := c.dev.AcquireSync(ctx)
		if err != nil {
			return fmt.Errorf("acquire timer trigger: %w", err)
		}
		if err := c.seq.ArmTimer(res); err != nil {
			_ = c.dev.ReleaseSync(res)
			return err
		}
		c.timer = res
	}
	if sink := c.dev.Sink(c.path); sink != nil {
		if err := sink.Mute(ctx, false); err != nil {
			return fmt.Errorf("unmute: %w", err)
		}
	}

	c.setState(StateDisplaying)
	c.publish(events.DisplayReady(c.path))
	return nil
}

// Pause stops address updates; the current buffer stays on screen
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdPause); err != nil {
		return err
	}
	c.phase.Store(int32(monitor.PhasePaused))
	c.setState(StatePaused)
	return nil
}

// Resume re-arms the input and returns to displaying
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdResume); err != nil {
		return err
	}
	if rt := c.rt.Load(); rt.cfg.external {
		if err := c.dev.Source(c.path).Rearm(ctx); err != nil {
			return fmt.Errorf("rearm input: %w", err)
		}
	}
	c.phase.Store(int32(monitor.PhaseRunning))
	c.setState(StateDisplaying)
	return nil
}

// Reset disarms the trigger, stops and resets every stage and rewinds the
// ring, returning to Init. Monitors keep running.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(CmdReset); err != nil {
		return err
	}
	rt := c.rt.Load()
	displaying := c.State() == StateDisplaying || c.State() == StatePaused

	c.phase.Store(int32(monitor.PhaseIdle))
	errs := c.quiesce(ctx, rt, displaying)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range rt.plan.Members {
		id := id
		st, err := c.stage(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Go(func() error {
			if err := st.Reset(gctx); err != nil {
				return &StageFault{Stage: id, Op: "reset", Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	rt.ring.Reset()
	if _, err := c.program(rt, rt.active().plan); err != nil {
		errs = append(errs, err)
	}
	rt.firstFrame.Store(false)
	c.setState(StateInit)
	return errors.Join(errs...)
}

// Reconfigure switches a live pipeline to a new input size or crop window
// without tearing it down. The new geometry is written on the next frame
// boundary and takes effect when that batch completes, which publishes
// SequenceChanged. Only one change may be in flight; a second one gets
// reconfig.ErrBusy. Anything beyond the input geometry needs a fresh Init.
func (c *Controller) Reconfigure(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.incomplete {
		return fmt.Errorf("%s: %w", CmdReconfigure, ErrInitIncomplete)
	}
	if s := c.State(); !s.Live() {
		return &TransitionError{From: s, Command: CmdReconfigure}
	}
	rt := c.rt.Load()
	if cfg.Path != c.path {
		return fmt.Errorf("%w: config for path %d given to path %d", ErrInvalidConfig, cfg.Path, c.path)
	}
	r, err := cfg.withDefaults().resolve(c.dev.Source(c.path) != nil)
	if err != nil {
		return err
	}
	if err := sameTopology(rt.cfg, r); err != nil {
		return err
	}
	plan, err := topology.Build(r.topology())
	if err != nil {
		return err
	}
	if plan.Split != rt.plan.Split || !slices.Equal(plan.Members, rt.plan.Members) ||
		!slices.Equal(plan.Edges, rt.plan.Edges) {
		return fmt.Errorf("%w: geometry change needs a different topology", ErrInvalidConfig)
	}
	var writes []reconfig.Write
	if in := plan.Slicer; in != rt.active().plan.Slicer {
		writes = append(writes, reconfig.Write{
			Stage:  hw.StageID{Kind: hw.KindSlicer, Index: c.path},
			Offset: hw.RegSlicerSize,
			Value:  hw.PackXY(in.InWidth, in.InHeight),
		})
	}

	next := &geometry{cfg: r.Config, plan: plan}
	if !rt.pending.CompareAndSwap(nil, next) {
		return fmt.Errorf("%s: %w", CmdReconfigure, reconfig.ErrBusy)
	}
	_, err = rt.channel.Submit(ctx, reconfig.Spec{
		Purpose:  reconfig.PurposePatternChange,
		WaitFor:  hw.FrameDoneEvent(c.path),
		Geometry: plan.Chains,
		Writes:   writes,
		Op:       reconfig.RingAdvanceNext,
	})
	if err != nil {
		rt.pending.CompareAndSwap(next, nil)
		return err
	}
	c.logger.Debug("Geometry change submitted",
		zap.Int("in_width", r.InWidth),
		zap.Int("in_height", r.InHeight))
	return nil
}

// sameTopology rejects changes that a geometry batch cannot carry
func sameTopology(cur, next resolved) error {
	var diffs []string
	check := func(name string, same bool) {
		if !same {
			diffs = append(diffs, name)
		}
	}
	check("out size", cur.OutWidth == next.OutWidth && cur.OutHeight == next.OutHeight)
	check("layout", cur.layout == next.layout)
	check("format", cur.format == next.format)
	check("compressed", cur.Compressed == next.Compressed)
	check("buffers", cur.BufferCount == next.BufferCount && cur.BufferBase == next.BufferBase)
	check("input", cur.external == next.external)
	check("mode", cur.mode == next.mode)
	check("sync group", cur.SyncGroup == next.SyncGroup)
	check("triggers", cur.Delayed == next.Delayed && cur.LowLatency == next.LowLatency)
	if len(diffs) > 0 {
		return fmt.Errorf("%w: cannot change %s without init", ErrInvalidConfig, strings.Join(diffs, ", "))
	}
	return nil
}

// quiesce disarms triggers and stops whatever Trigger and Display started
func (c *Controller) quiesce(ctx context.Context, rt *runtime, displaying bool) []error {
	var errs []error

	if c.timer != nil {
		res, err := c.seq.DisarmTimer()
		if err != nil {
			errs = append(errs, fmt.Errorf("disarm timer: %w", err))
		}
		if res != nil {
			if err := c.dev.ReleaseSync(res); err != nil {
				errs = append(errs, err)
			}
		}
		c.timer = nil
	}
	if c.enabled {
		if err := c.seq.Disable(); err != nil {
			errs = append(errs, err)
		}
		c.enabled = false
	}

	if displaying {
		if sink := c.dev.Sink(c.path); sink != nil {
			if err := sink.Mute(ctx, true); err != nil {
				errs = append(errs, fmt.Errorf("mute: %w", err))
			}
		}
	}

	if c.running {
		if !rt.cfg.external {
			if err := c.dev.Pattern(c.path).Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop pattern: %w", err))
			}
		}
		stages := slices.Clone(rt.plan.Stages)
		slices.Reverse(stages)
		for _, id := range stages {
			st, err := c.stage(id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := st.Stop(ctx); err != nil {
				errs = append(errs, &StageFault{Stage: id, Op: "stop", Err: err})
			}
		}
		c.running = false
	}
	return errs
}

// Deinit stops the monitors, disconnects the topology, powers the stages off,
// releases every trigger resource and reports the final statistics. It
// releases whatever a failed Init acquired. A second Deinit is a no-op.
func (c *Controller) Deinit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateDeinitialized:
		c.logger.Debug("Already deinitialized")
		return nil
	case StateUninitialized:
		c.setState(StateDeinitialized)
		return nil
	}

	rt := c.rt.Load()
	displaying := c.State() == StateDisplaying || c.State() == StatePaused
	c.phase.Store(int32(monitor.PhaseIdle))

	errs := c.stopMonitors()
	errs = append(errs, c.quiesce(ctx, rt, displaying)...)

	if c.topo != nil {
		if err := c.topo.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		c.topo = nil
	}
	errs = append(errs, c.powerOff(ctx)...)
	for _, unhook := range c.unhook {
		unhook()
	}
	c.unhook = nil

	if c.seq != nil {
		c.seq.TakeDelayed()
		if err := c.pool.Release(rt.cfg.SyncGroup, c.seq); err != nil {
			errs = append(errs, err)
		}
		c.seq = nil
	}
	if c.delayed != nil {
		errs = append(errs, c.dev.ReleaseSync(c.delayed))
		c.delayed = nil
	}

	if err := rt.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	rt.ring.Reset()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	c.incomplete = false
	stats := rt.stats()
	c.setState(StateDeinitialized)
	c.publish(events.Exit(c.path, stats))

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("Deinit finished with errors", zap.Error(err))
	} else {
		c.logger.Info("Pipeline deinitialized",
			zap.Uint64("sof", stats.SOFCount),
			zap.Uint64("frames", stats.FrameCount),
			zap.Uint64("skipped", stats.SkipCount))
	}
	return err
}

// stopMonitors stops every monitor in parallel
func (c *Controller) stopMonitors() []error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, m := range c.monitors {
		m := m
		g.Go(func() error {
			if err := m.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("monitor %s: %w", m.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.monitors = nil
	return errs
}

func (c *Controller) powerOff(ctx context.Context) []error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, id := range c.powered {
		id := id
		st, ok := c.dev.Stage(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := st.PowerOff(ctx); err != nil {
				mu.Lock()
				errs = append(errs, &StageFault{Stage: id, Op: "power_off", Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.powered = nil
	return errs
}

// Stats returns the statistics of the current or last pipeline
func (c *Controller) Stats() events.Stats {
	rt := c.rt.Load()
	if rt == nil {
		return events.Stats{}
	}
	return rt.stats()
}

// MonitorInfo describes one monitor loop
type MonitorInfo struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Fires  uint64 `json:"fires"`
	Misses uint64 `json:"misses"`
}

// Info is a snapshot of a controller for the control surface
type Info struct {
	Path       int           `json:"path"`
	State      State         `json:"state"`
	Instance   string        `json:"instance,omitempty"`
	Incomplete bool          `json:"incomplete,omitempty"`
	Config     *Config       `json:"config,omitempty"`
	Split      string        `json:"split,omitempty"`
	Stages     []string      `json:"stages,omitempty"`
	Monitors   []MonitorInfo `json:"monitors,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
}

// Info returns a snapshot of the controller
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{Path: c.path, State: c.State(), Incomplete: c.incomplete}
	rt := c.rt.Load()
	if rt == nil {
		return info
	}
	cfg := rt.active().cfg
	info.Instance = rt.instance
	info.Config = &cfg
	info.Split = rt.plan.Split.String()
	for _, id := range rt.plan.Members {
		info.Stages = append(info.Stages, id.String())
	}
	for _, m := range c.monitors {
		info.Monitors = append(info.Monitors, MonitorInfo{
			Name:   m.Name(),
			State:  m.State().String(),
			Fires:  m.Fires(),
			Misses: m.Misses(),
		})
	}
	if info.State.Live() {
		info.Uptime = time.Since(rt.started)
	}
	return info
}

// Monitors returns the running monitor loops
func (c *Controller) Monitors() []*monitor.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.monitors)
}
