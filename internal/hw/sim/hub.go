package sim

import (
	"context"
	"sync"
	"time"

	"github.com/zfett/vpipe/internal/hw"
)

// Hub is an edge-triggered event fabric. A pulse wakes everyone waiting at
// that moment; pulses with no waiter are counted but not latched.
type Hub struct {
	mu      sync.Mutex
	next    map[hw.Event]chan struct{}
	waiters map[hw.Event]int
	pulses  map[hw.Event]uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		next:    make(map[hw.Event]chan struct{}),
		waiters: make(map[hw.Event]int),
		pulses:  make(map[hw.Event]uint64),
	}
}

// arm returns the channel closed by the next pulse of ev
func (h *Hub) arm(ev hw.Event) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.next[ev]
	if !ok {
		ch = make(chan struct{})
		h.next[ev] = ch
	}
	return ch
}

func (h *Hub) addWaiter(ev hw.Event, delta int) {
	h.mu.Lock()
	h.waiters[ev] += delta
	h.mu.Unlock()
}

// Pulse fires ev once
func (h *Hub) Pulse(ev hw.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.next[ev]; ok {
		close(ch)
		delete(h.next, ev)
	}
	h.pulses[ev]++
}

// Pulses returns how many times ev fired
func (h *Hub) Pulses(ev hw.Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pulses[ev]
}

// Waiters returns how many waits are currently blocked on ev
func (h *Hub) Waiters(ev hw.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiters[ev]
}

// Wait implements hw.EventWaiter
func (h *Hub) Wait(ctx context.Context, ev hw.Event, timeout time.Duration) error {
	ch := h.arm(ev)
	h.addWaiter(ev, 1)
	defer h.addWaiter(ev, -1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return hw.ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear implements hw.EventWaiter. Pulses are never latched so there is
// nothing to drop.
func (h *Hub) Clear(ev hw.Event) {}

// Signal implements hw.EventWaiter
func (h *Hub) Signal(ev hw.Event) {
	h.Pulse(ev)
}
