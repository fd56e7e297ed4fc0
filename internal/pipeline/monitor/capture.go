package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
)

// Read is one register copied into a capture slot
type Read struct {
	Stage  hw.StageID
	Offset uint32
}

// Snapshot is the register state captured at the moment of an event
type Snapshot struct {
	Path   int
	Event  hw.Event
	Seq    uint64
	Time   time.Time
	Values []uint32
}

// CaptureDescriptor is a re-armable register program that waits for a
// hardware event and snapshots registers with no CPU involvement. Only after
// the snapshot is taken is the CPU side woken through Wait.
//
// It implements Source so a Monitor can block on it.
type CaptureDescriptor struct {
	queue   hw.CommandQueue
	path    int
	trigger hw.Event
	reads   []Read
	logger  *zap.Logger

	mu        sync.Mutex
	buf       hw.CommandBuffer
	destroyed bool
	seq       uint64
	current   Snapshot
	failures  uint64

	out  chan Snapshot
	wake chan struct{}
}

// NewCapture creates an unarmed descriptor
func NewCapture(queue hw.CommandQueue, path int, trigger hw.Event, reads []Read, logger *zap.Logger) *CaptureDescriptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureDescriptor{
		queue:   queue,
		path:    path,
		trigger: trigger,
		reads:   reads,
		logger:  logger.With(zap.String("capture", trigger.String())),
		out:     make(chan Snapshot, 1),
		wake:    make(chan struct{}, 1),
	}
}

// Arm records the program and flushes it for the first time
func (c *CaptureDescriptor) Arm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return hw.ErrDestroyed
	}
	if c.buf != nil {
		return nil
	}

	buf, err := c.queue.Create()
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	buf.ClearEvent(c.trigger)
	buf.WaitEvent(c.trigger)
	for i, r := range c.reads {
		buf.ReadRegister(r.Stage.Subsys(), r.Offset, i)
	}

	if err := buf.FlushAsync(c.fired); err != nil {
		buf.Destroy()
		return fmt.Errorf("flush capture: %w", err)
	}
	c.buf = buf
	return nil
}

// Rearm flushes the same program again
func (c *CaptureDescriptor) Rearm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || c.buf == nil {
		return hw.ErrDestroyed
	}
	return c.buf.FlushAsync(c.fired)
}

// fired runs when the program completed. It copies the slots, re-arms and
// then posts the snapshot, replacing one not yet consumed. A failed run is
// counted and re-armed without a snapshot.
func (c *CaptureDescriptor) fired(err error) {
	if errors.Is(err, hw.ErrDestroyed) {
		return
	}
	if err != nil {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()
		c.logger.Warn("Capture failed", zap.Uint64("failures", failures), zap.Error(err))
		c.rearm()
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.seq++
	snap := Snapshot{
		Path:   c.path,
		Event:  c.trigger,
		Seq:    c.seq,
		Time:   time.Now(),
		Values: make([]uint32, len(c.reads)),
	}
	for i := range c.reads {
		snap.Values[i] = c.buf.Slot(i)
	}
	c.mu.Unlock()

	c.rearm()

	select {
	case c.out <- snap:
	default:
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- snap:
		default:
		}
	}
}

func (c *CaptureDescriptor) rearm() {
	if err := c.Rearm(); err != nil && !errors.Is(err, hw.ErrDestroyed) {
		c.logger.Error("Capture rearm failed", zap.Error(err))
	}
}

// Wait implements Source. A delivered snapshot becomes Current.
func (c *CaptureDescriptor) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snap := <-c.out:
		c.mu.Lock()
		c.current = snap
		c.mu.Unlock()
		return nil
	case <-c.wake:
		return nil
	case <-timer.C:
		return hw.ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear implements Source
func (c *CaptureDescriptor) Clear() {
	for {
		select {
		case <-c.out:
		case <-c.wake:
		default:
			return
		}
	}
}

// Wake implements Source
func (c *CaptureDescriptor) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Current returns the snapshot delivered by the last Wait
func (c *CaptureDescriptor) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Captures returns how many snapshots were taken
func (c *CaptureDescriptor) Captures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Failures returns how many runs completed with an error
func (c *CaptureDescriptor) Failures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Destroy stops re-arming and destroys the command buffer
func (c *CaptureDescriptor) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.buf != nil {
		c.buf.Destroy()
	}
}
