package hw

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWaitTimeout is returned by EventWaiter.Wait when the event did not fire in time
	ErrWaitTimeout = errors.New("hw: wait timeout")
	// ErrDestroyed is reported to a flush callback when its buffer was destroyed mid-flight
	ErrDestroyed = errors.New("hw: command buffer destroyed")
	// ErrNoSyncResource is returned when every trigger resource is taken
	ErrNoSyncResource = errors.New("hw: no free sync resource")
)

// Stage is one fixed-function processing block
type Stage interface {
	ID() StageID
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	Reset(ctx context.Context) error
	Configure(ctx context.Context, params StageParams) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// WriteEngine is the stage that writes frames to memory
type WriteEngine interface {
	Stage
	SetOutputBuffer(addr uint64, pitch uint32, format PixelFormat) error
	SetRegion(r Region) error
	// RegisterFrameCallback adds cb and returns a func removing it again
	RegisterFrameCallback(cb func(FrameDone)) (unregister func())
}

// SyncResource aggregates enable and SOF selection across a group of stages.
// A stage may be a member of one resource at a time.
type SyncResource interface {
	ID() int
	AddComponent(id int) error
	RemoveComponent(id int) error
	SelectSOFSource(src SOFSource) error
	Enable() error
	Disable() error
	SetDelayUs(v uint32) error
	TimerEnable(on bool) error
}

// ConnectGraph routes one stage's output into another's input
type ConnectGraph interface {
	Connect(from, to int) error
	Disconnect(from, to int) error
}

// CommandBuffer is an ordered register program flushed as one unit.
// Recording methods never fail; errors surface at flush.
type CommandBuffer interface {
	ClearEvent(ev Event)
	WaitEvent(ev Event)
	WriteRegister(sub Subsys, offset, value, mask uint32)
	// ReadRegister copies a register into capture slot n at execution time
	ReadRegister(sub Subsys, offset uint32, slot int)
	// FlushAsync starts execution and returns; done runs exactly once
	FlushAsync(done func(error)) error
	Slot(n int) uint32
	Destroy()
}

// CommandQueue creates command buffers
type CommandQueue interface {
	Create() (CommandBuffer, error)
}

// EventWaiter is the blocking wait primitive for hardware events
type EventWaiter interface {
	Wait(ctx context.Context, ev Event, timeout time.Duration) error
	Clear(ev Event)
	// Signal raises the event from software
	Signal(ev Event)
}

// ExternalSource is a video input with its own timing
type ExternalSource interface {
	WaitStable(ctx context.Context) (Timing, error)
	Rearm(ctx context.Context) error
}

// PatternGenerator produces frames internally when there is no external source
type PatternGenerator interface {
	Configure(ctx context.Context, width, height int, timing Timing) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sink is the downstream consumer (panel or encoder) of a display path
type Sink interface {
	Mute(ctx context.Context, mute bool) error
}

// Device bundles the collaborators of one chip
type Device interface {
	Stage(id StageID) (Stage, bool)
	Graph() ConnectGraph
	AcquireSync(ctx context.Context) (SyncResource, error)
	ReleaseSync(res SyncResource) error
	Queue() CommandQueue
	Events() EventWaiter
	// Source returns nil when the path has no external input
	Source(path int) ExternalSource
	Pattern(path int) PatternGenerator
	Sink(path int) Sink
}
