package ring

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrEmpty         = errors.New("ring has no buffers")
	ErrUnknownBuffer = errors.New("unknown buffer")
)

// BufferID identifies a frame buffer for its whole life in the ring
type BufferID int

// None is the zero holder
const None BufferID = -1

// Buffer is one output frame buffer
type Buffer struct {
	ID   BufferID `json:"id"`
	Addr uint64   `json:"addr"`
	// Refs is 1 while the consumer holds the buffer
	Refs int32 `json:"refs"`
}

// Ring is a wraparound pool of frame buffers. The producer never waits for
// the consumer; a held buffer is reused once the indices wrap onto it.
//
// Attach and Detach are staged and take effect at the next Swap or Reset, so
// the modulus is fixed for a whole cycle. Each applied change bumps the
// generation, letting callers spot completions built against an older set.
type Ring struct {
	logger *zap.Logger

	mu      sync.Mutex
	buffers []*Buffer
	current int
	next    int
	done    int
	// fill is the producer cursor of GetEmpty, independent of the
	// indices the SOF path drives
	fill    int
	held    BufferID
	nextID  BufferID
	gen     uint64

	staged   []*Buffer
	detached map[BufferID]bool

	exhausted uint64
	repeats   uint64
}

// New creates a ring over the given buffer addresses
func New(addrs []uint64, logger *zap.Logger) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Ring{
		logger:   logger,
		held:     None,
		done:     -1,
		detached: make(map[BufferID]bool),
	}
	for _, a := range addrs {
		r.buffers = append(r.buffers, &Buffer{ID: r.nextID, Addr: a})
		r.nextID++
	}
	return r
}

// Len returns the number of inserted buffers
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Generation returns the current buffer-set generation
func (r *Ring) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// GetEmpty returns the buffer under the producer cursor and moves the cursor
// on. It does not wait for the consumer: wrapping onto a held buffer is
// counted and logged, then the buffer is returned anyway. The cursor starts at
// the current buffer after Reset and never moves current, next or done.
func (r *Ring) GetEmpty() (Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buffers)
	if n == 0 {
		return Buffer{}, ErrEmpty
	}
	b := r.buffers[r.fill%n]
	r.fill = (r.fill + 1) % n

	if b.ID == r.held {
		r.exhausted++
		r.logger.Warn("Ring wrapped onto consumer-held buffer",
			zap.Int("buffer", int(b.ID)),
			zap.Uint64("exhausted", r.exhausted))
	}
	return *b, nil
}

// AdvanceNext moves the next index on modulo the inserted count and records
// the old current buffer as done. It returns the new next buffer and the
// generation it belongs to.
func (r *Ring) AdvanceNext() (Buffer, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buffers)
	if n == 0 {
		return Buffer{}, r.gen, ErrEmpty
	}
	r.next = (r.next + 1) % n
	r.done = r.current % n
	return *r.buffers[r.next], r.gen, nil
}

// Swap promotes next to current and applies staged attach/detach changes.
// It returns false without touching the indices when gen is stale.
func (r *Ring) Swap(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.logger.Debug("Skipping swap for stale generation",
			zap.Uint64("generation", gen),
			zap.Uint64("current", r.gen))
		return false
	}
	r.current = r.next
	r.apply()
	return true
}

// Rewind drops a pending advance so next points at current again
func (r *Ring) Rewind() {
	r.mu.Lock()
	r.next = r.current
	r.mu.Unlock()
}

// Reset returns every index to the first buffer, releases the consumer hold
// and applies staged changes
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.apply()
	r.current, r.next, r.done, r.fill = 0, 0, -1, 0
	r.held = None
	for _, b := range r.buffers {
		b.Refs = 0
	}
}

// HandToConsumer records id as held by the consumer. The previously held
// buffer, if different, is released and returned.
func (r *Ring) HandToConsumer(id BufferID) (BufferID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.find(id)
	if b == nil {
		return None, false, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if id == r.held {
		r.repeats++
		r.logger.Debug("Repeat hand-off", zap.Int("buffer", int(id)))
		return None, false, nil
	}

	prev := r.held
	r.held = id
	b.Refs = 1
	if p := r.find(prev); p != nil {
		p.Refs = 0
		return prev, true, nil
	}
	return None, false, nil
}

// Current returns the buffer the hardware is writing
func (r *Ring) Current() (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffers) == 0 {
		return Buffer{}, false
	}
	return *r.buffers[r.current%len(r.buffers)], true
}

// Displayable returns the most recently completed buffer
func (r *Ring) Displayable() (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done < 0 || r.done >= len(r.buffers) {
		return Buffer{}, false
	}
	return *r.buffers[r.done], true
}

// Attach stages a new buffer. It joins the ring at the next Swap.
func (r *Ring) Attach(addr uint64) BufferID {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &Buffer{ID: r.nextID, Addr: addr}
	r.nextID++
	r.staged = append(r.staged, b)
	return b.ID
}

// Detach stages the removal of a buffer. The last buffer cannot be removed.
func (r *Ring) Detach(id BufferID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.staged {
		if b.ID == id {
			r.staged = append(r.staged[:i], r.staged[i+1:]...)
			return nil
		}
	}
	if r.find(id) == nil || r.detached[id] {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if len(r.buffers)+len(r.staged)-len(r.detached) <= 1 {
		return ErrEmpty
	}
	r.detached[id] = true
	return nil
}

// Buffers returns a copy of the inserted buffers
func (r *Ring) Buffers() []Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Buffer, len(r.buffers))
	for i, b := range r.buffers {
		out[i] = *b
	}
	return out
}

// Held returns the buffer currently held by the consumer
func (r *Ring) Held() BufferID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Exhausted returns how many times the ring wrapped onto a held buffer
func (r *Ring) Exhausted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

func (r *Ring) find(id BufferID) *Buffer {
	if id == None {
		return nil
	}
	for _, b := range r.buffers {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// apply folds staged changes into the buffer set. Indices follow their
// buffers where those survive and fall back to the first slot otherwise.
// Caller holds mu.
func (r *Ring) apply() {
	if len(r.staged) == 0 && len(r.detached) == 0 {
		return
	}

	idAt := func(i int) BufferID {
		if i < 0 || i >= len(r.buffers) {
			return None
		}
		return r.buffers[i].ID
	}
	cur, nxt, dn, fl := idAt(r.current), idAt(r.next), idAt(r.done), idAt(r.fill)

	kept := r.buffers[:0:0]
	for _, b := range r.buffers {
		if r.detached[b.ID] {
			if b.ID == r.held {
				r.held = None
			}
			continue
		}
		kept = append(kept, b)
	}
	kept = append(kept, r.staged...)

	r.buffers = kept
	r.staged = nil
	r.detached = make(map[BufferID]bool)
	r.gen++

	indexOf := func(id BufferID, fallback int) int {
		for i, b := range r.buffers {
			if b.ID == id {
				return i
			}
		}
		return fallback
	}
	r.current = indexOf(cur, 0)
	r.next = indexOf(nxt, r.current)
	r.done = indexOf(dn, -1)
	r.fill = indexOf(fl, r.current)

	r.logger.Info("Ring buffer set changed",
		zap.Int("buffers", len(r.buffers)),
		zap.Uint64("generation", r.gen))
}
