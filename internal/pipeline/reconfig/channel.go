package reconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/shared/id"
)

// Completion reports the outcome of one batch
type Completion struct {
	ID      id.BatchID
	Purpose Purpose
	Err     error
	Op      RingOp
	// Applied is false when the ring op was skipped
	Applied bool
	Latency time.Duration
}

// Option configures a Channel
type Option func(*Channel)

// WithCompletionHook runs fn on the dispatcher after every completion
func WithCompletionHook(fn func(Completion)) Option {
	return func(c *Channel) { c.hooks = append(c.hooks, fn) }
}

// WithSubmitHook runs fn after every submission attempt with its result
func WithSubmitHook(fn func(Purpose, error)) Option {
	return func(c *Channel) { c.onSubmit = fn }
}

// WithDrainTimeout bounds how long Close waits for in-flight batches
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Channel) { c.drain = d }
}

type inflight struct {
	id      id.BatchID
	spec    Spec
	buf     hw.CommandBuffer
	started time.Time
}

type notification struct {
	purpose Purpose
	id      id.BatchID
	err     error
}

// Channel submits asynchronous command batches, at most one per purpose at
// a time. Flush callbacks only post to a private channel; a dispatcher
// goroutine destroys the batch and runs the ring operation.
type Channel struct {
	queue  hw.CommandQueue
	ring   *ring.Ring
	logger *zap.Logger

	hooks    []func(Completion)
	onSubmit func(Purpose, error)
	drain    time.Duration

	mu       sync.Mutex
	inflight map[Purpose]*inflight
	closed   bool
	idle     *sync.Cond

	notify chan notification
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a channel and starts its dispatcher. r may be nil when no
// batch carries a ring op.
func New(queue hw.CommandQueue, r *ring.Ring, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		queue:    queue,
		ring:     r,
		logger:   logger,
		drain:    500 * time.Millisecond,
		inflight: make(map[Purpose]*inflight),
		notify:   make(chan notification, len(purposeNames)),
		stop:     make(chan struct{}),
	}
	c.idle = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.dispatch()
	return c
}

// Submit builds and flushes a batch. It returns once the batch is flushed and
// never waits for hardware completion. A second batch of the same purpose
// while one is pending gets ErrBusy.
func (c *Channel) Submit(ctx context.Context, spec Spec) (id.BatchID, error) {
	bid, err := c.submit(ctx, spec)
	if c.onSubmit != nil {
		c.onSubmit(spec.Purpose, err)
	}
	return bid, err
}

func (c *Channel) submit(ctx context.Context, spec Spec) (id.BatchID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := spec.validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if _, busy := c.inflight[spec.Purpose]; busy {
		c.mu.Unlock()
		c.logger.Debug("Batch busy", zap.String("purpose", spec.Purpose.String()))
		return "", ErrBusy
	}

	buf, err := c.queue.Create()
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("create batch: %w", err)
	}
	spec.record(buf)

	entry := &inflight{id: id.NewBatchID(), spec: spec, buf: buf, started: time.Now()}
	c.inflight[spec.Purpose] = entry
	c.mu.Unlock()

	purpose, bid := spec.Purpose, entry.id
	err = buf.FlushAsync(func(err error) {
		select {
		case c.notify <- notification{purpose: purpose, id: bid, err: err}:
		case <-c.stop:
		}
	})
	if err != nil {
		c.mu.Lock()
		if c.inflight[purpose] == entry {
			delete(c.inflight, purpose)
			c.idle.Broadcast()
		}
		c.mu.Unlock()
		buf.Destroy()
		return "", fmt.Errorf("flush %s: %w", purpose, err)
	}

	c.logger.Debug("Batch flushed",
		zap.String("batch", string(bid)),
		zap.String("purpose", purpose.String()),
		zap.String("ring_op", spec.Op.String()))
	return bid, nil
}

// Pending reports whether a batch of purpose is in flight
func (c *Channel) Pending(p Purpose) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[p]
	return ok
}

// InFlight returns the number of batches in flight
func (c *Channel) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Channel) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case n := <-c.notify:
			c.complete(n)
		case <-c.stop:
			return
		}
	}
}

// complete runs on the dispatcher goroutine only
func (c *Channel) complete(n notification) {
	c.mu.Lock()
	entry, ok := c.inflight[n.purpose]
	if !ok || entry.id != n.id {
		c.mu.Unlock()
		c.logger.Warn("Completion for unknown batch", zap.String("batch", string(n.id)))
		return
	}
	delete(c.inflight, n.purpose)
	closing := c.closed
	c.idle.Broadcast()
	c.mu.Unlock()

	// Close already destroyed it
	if !closing {
		entry.buf.Destroy()
	}

	comp := Completion{
		ID:      entry.id,
		Purpose: n.purpose,
		Err:     n.err,
		Op:      entry.spec.Op,
		Latency: time.Since(entry.started),
	}

	if n.err != nil {
		c.logger.Error("Batch failed after flush",
			zap.String("batch", string(entry.id)),
			zap.String("purpose", n.purpose.String()),
			zap.Error(n.err))
	} else if c.ring != nil {
		switch entry.spec.Op {
		case RingSwap:
			comp.Applied = c.ring.Swap(entry.spec.Generation)
		case RingAdvanceNext:
			_, _, err := c.ring.AdvanceNext()
			comp.Applied = err == nil
		}
	}

	for _, fn := range c.hooks {
		fn(comp)
	}
}

// Close refuses new batches, destroys the ones in flight and waits for
// their completions to drain before stopping the dispatcher
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, entry := range c.inflight {
		entry.buf.Destroy()
	}

	timedOut := false
	if len(c.inflight) > 0 {
		timer := time.AfterFunc(c.drain, func() {
			c.mu.Lock()
			timedOut = true
			c.idle.Broadcast()
			c.mu.Unlock()
		})
		for len(c.inflight) > 0 && !timedOut {
			c.idle.Wait()
		}
		timer.Stop()
	}
	left := len(c.inflight)
	c.inflight = make(map[Purpose]*inflight)
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()

	if left > 0 {
		return fmt.Errorf("%w: %d batches left", ErrDrainTimeout, left)
	}
	return nil
}
