// Package sim provides an in-memory display device implementing every hw
// contract. It records collaborator calls in order, pulses hardware events
// on demand or from a free-running clock, and lets tests inject failures.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zfett/vpipe/internal/hw"
)

const (
	// Paths is the number of display paths on the simulated chip
	Paths = 4
	// SlicesPerPath is the maximum parallel slice chains per path
	SlicesPerPath = 4
	// SyncResources is the size of the trigger resource pool
	SyncResources = 8
)

// Timing1080p60 is the CEA 1920x1080@60 timing
var Timing1080p60 = hw.Timing{HActive: 1920, HTotal: 2200, VActive: 1080, VTotal: 1125, PixelClockKHz: 148500}

// Timing2160p60 is the CEA 3840x2160@60 timing
var Timing2160p60 = hw.Timing{HActive: 3840, HTotal: 4400, VActive: 2160, VTotal: 2250, PixelClockKHz: 594000}

// Device is a simulated chip
type Device struct {
	rec   *Recorder
	hub   *Hub
	regs  *Registers
	queue *Queue
	graph *Graph

	stages  map[hw.StageID]hw.Stage
	members *membership

	mu   sync.Mutex
	sync []*SyncResource
	used map[int]bool

	sources  [Paths]*Source
	patterns [Paths]*Pattern
	sinks    [Paths]*Sink
}

// NewDevice builds a device with every stage of every path and a 1080p60
// external source on each path
func NewDevice() *Device {
	rec := &Recorder{}
	hub := NewHub()
	regs := newRegisters()
	d := &Device{
		rec:     rec,
		hub:     hub,
		regs:    regs,
		queue:   &Queue{hub: hub, regs: regs},
		graph:   &Graph{rec: rec, edges: make(map[[2]int]bool)},
		stages:  make(map[hw.StageID]hw.Stage),
		members: &membership{owner: make(map[int]int)},
		used:    make(map[int]bool),
	}

	for p := 0; p < Paths; p++ {
		for _, kind := range []hw.StageKind{hw.KindSlicer, hw.KindStreamConverter, hw.KindLineCompare} {
			id := hw.StageID{Kind: kind, Index: p}
			d.stages[id] = newStage(id, rec)
		}
		for s := 0; s < SlicesPerPath; s++ {
			idx := p*SlicesPerPath + s
			for _, kind := range []hw.StageKind{hw.KindCrop, hw.KindResizer} {
				id := hw.StageID{Kind: kind, Index: idx}
				d.stages[id] = newStage(id, rec)
			}
			wid := hw.StageID{Kind: hw.KindWriteEngine, Index: idx}
			d.stages[wid] = &WriteEngine{Stage: newStage(wid, rec)}
		}
		d.sources[p] = &Source{path: p, rec: rec, timing: Timing1080p60}
		d.patterns[p] = &Pattern{path: p, rec: rec}
		d.sinks[p] = &Sink{path: p, rec: rec, muted: true}
	}

	for i := 0; i < SyncResources; i++ {
		d.sync = append(d.sync, &SyncResource{
			id:         i,
			rec:        rec,
			members:    d.members,
			components: make(map[int]bool),
		})
	}
	return d
}

// Stage implements hw.Device
func (d *Device) Stage(id hw.StageID) (hw.Stage, bool) {
	s, ok := d.stages[id]
	return s, ok
}

// Graph implements hw.Device
func (d *Device) Graph() hw.ConnectGraph { return d.graph }

// AcquireSync implements hw.Device
func (d *Device) AcquireSync(ctx context.Context) (hw.SyncResource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sync {
		if !d.used[s.id] {
			d.used[s.id] = true
			d.rec.record(s.name(), "acquire", "")
			return s, nil
		}
	}
	return nil, hw.ErrNoSyncResource
}

// ReleaseSync implements hw.Device
func (d *Device) ReleaseSync(res hw.SyncResource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.used[res.ID()] {
		return fmt.Errorf("mutex%d not acquired", res.ID())
	}
	delete(d.used, res.ID())
	d.rec.record(fmt.Sprintf("mutex%d", res.ID()), "release", "")
	return nil
}

// Queue implements hw.Device
func (d *Device) Queue() hw.CommandQueue { return d.queue }

// Events implements hw.Device
func (d *Device) Events() hw.EventWaiter { return d.hub }

// Source implements hw.Device
func (d *Device) Source(path int) hw.ExternalSource {
	if path < 0 || path >= Paths || d.sources[path] == nil {
		return nil
	}
	return d.sources[path]
}

// Pattern implements hw.Device
func (d *Device) Pattern(path int) hw.PatternGenerator {
	if path < 0 || path >= Paths {
		return nil
	}
	return d.patterns[path]
}

// Sink implements hw.Device
func (d *Device) Sink(path int) hw.Sink {
	if path < 0 || path >= Paths {
		return nil
	}
	return d.sinks[path]
}

// DetachSource removes the external input of a path
func (d *Device) DetachSource(path int) { d.sources[path] = nil }

// Recorder returns the call log
func (d *Device) Recorder() *Recorder { return d.rec }

// Hub returns the event fabric
func (d *Device) Hub() *Hub { return d.hub }

// Registers returns the register file
func (d *Device) Registers() *Registers { return d.regs }

// SimQueue returns the concrete command queue
func (d *Device) SimQueue() *Queue { return d.queue }

// SimGraph returns the concrete connect graph
func (d *Device) SimGraph() *Graph { return d.graph }

// SimStage returns the concrete stage for id
func (d *Device) SimStage(id hw.StageID) *Stage {
	switch s := d.stages[id].(type) {
	case *Stage:
		return s
	case *WriteEngine:
		return s.Stage
	default:
		return nil
	}
}

// SimWriteEngine returns the concrete write engine at index
func (d *Device) SimWriteEngine(index int) *WriteEngine {
	we, _ := d.stages[hw.StageID{Kind: hw.KindWriteEngine, Index: index}].(*WriteEngine)
	return we
}

// SimSync returns the concrete trigger resource with id
func (d *Device) SimSync(id int) *SyncResource {
	if id < 0 || id >= len(d.sync) {
		return nil
	}
	return d.sync[id]
}

// SimSource returns the concrete source of a path
func (d *Device) SimSource(path int) *Source { return d.sources[path] }

// SimSink returns the concrete sink of a path
func (d *Device) SimSink(path int) *Sink { return d.sinks[path] }

// MemberCount returns how many components belong to any trigger resource
func (d *Device) MemberCount() int {
	d.members.mu.Lock()
	defer d.members.mu.Unlock()
	return len(d.members.owner)
}

// stagePath maps a stage back to its display path
func stagePath(id hw.StageID) int {
	switch id.Kind {
	case hw.KindCrop, hw.KindResizer, hw.KindWriteEngine:
		return id.Index / SlicesPerPath
	default:
		return id.Index
	}
}

// LivePaths returns the paths gated by at least one enabled trigger resource
func (d *Device) LivePaths() []int {
	live := make(map[int]bool)
	for _, s := range d.sync {
		if !s.Enabled() {
			continue
		}
		for _, comp := range s.Components() {
			for id := range d.stages {
				if id.TriggerID() == comp {
					live[stagePath(id)] = true
				}
			}
		}
	}
	var out []int
	for p := 0; p < Paths; p++ {
		if live[p] {
			out = append(out, p)
		}
	}
	return out
}

// PulseSOF fires the start-of-frame event of a path
func (d *Device) PulseSOF(path int) { d.hub.Pulse(hw.SOFEvent(path)) }

// PulseFrameDone completes a frame on a path: running write engines report
// it and the frame-done event fires
func (d *Device) PulseFrameDone(path int) {
	now := time.Now()
	for s := 0; s < SlicesPerPath; s++ {
		we := d.SimWriteEngine(path*SlicesPerPath + s)
		if we == nil || !we.Running() {
			continue
		}
		d.regs.Add(we.id.Subsys(), hw.RegWDMAWriteOps, 1)
		we.completeFrame(now)
	}
	d.hub.Pulse(hw.FrameDoneEvent(path))
}

// InjectUnderflow bumps the diagnostic counters of the path's first write
// engine and raises its underflow event
func (d *Device) InjectUnderflow(path int) {
	sub := hw.StageID{Kind: hw.KindWriteEngine, Index: path * SlicesPerPath}.Subsys()
	d.regs.Add(sub, hw.RegWDMAWriteOps, 3)
	d.regs.Add(sub, hw.RegWDMAReadOps, 2)
	d.hub.Pulse(hw.UnderflowEvent(path))
}

// InjectOverrun bumps the skip counter of the path's first write engine and
// raises its overrun event
func (d *Device) InjectOverrun(path int) {
	sub := hw.StageID{Kind: hw.KindWriteEngine, Index: path * SlicesPerPath}.Subsys()
	d.regs.Add(sub, hw.RegWDMASkipCount, 1)
	d.regs.Add(sub, hw.RegWDMAReadPtr, 1)
	d.hub.Pulse(hw.OverrunEvent(path))
}

// Run drives SOF and frame-done events for every live path at fps until ctx
// is done. Frame-done fires half a period after SOF.
func (d *Device) Run(ctx context.Context, fps int) {
	if fps <= 0 {
		fps = 60
	}
	half := time.Second / time.Duration(fps) / 2
	ticker := time.NewTicker(half)
	defer ticker.Stop()

	sof := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range d.LivePaths() {
				if sof {
					d.PulseSOF(p)
				} else {
					d.PulseFrameDone(p)
				}
			}
			sof = !sof
		}
	}
}
