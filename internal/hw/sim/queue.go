package sim

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zfett/vpipe/internal/hw"
)

// ErrFlushRejected is returned by FlushAsync when the queue is set to reject
var ErrFlushRejected = errors.New("sim: flush rejected")

// ErrExecFailed completes a buffer the queue was told to fail
var ErrExecFailed = errors.New("sim: execution failed")

type opKind int

const (
	opClear opKind = iota
	opWait
	opWrite
	opRead
)

type op struct {
	kind   opKind
	ev     hw.Event
	sub    hw.Subsys
	offset uint32
	value  uint32
	mask   uint32
	slot   int
}

// Registers is the simulated register file shared by every stage
type Registers struct {
	mu   sync.Mutex
	regs map[hw.Subsys]map[uint32]uint32
}

func newRegisters() *Registers {
	return &Registers{regs: make(map[hw.Subsys]map[uint32]uint32)}
}

// Read returns a register value
func (r *Registers) Read(sub hw.Subsys, offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[sub][offset]
}

// Write applies value under mask
func (r *Registers) Write(sub hw.Subsys, offset, value, mask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bank, ok := r.regs[sub]
	if !ok {
		bank = make(map[uint32]uint32)
		r.regs[sub] = bank
	}
	bank[offset] = bank[offset]&^mask | value&mask
}

// Add increments a counter register
func (r *Registers) Add(sub hw.Subsys, offset, delta uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bank, ok := r.regs[sub]
	if !ok {
		bank = make(map[uint32]uint32)
		r.regs[sub] = bank
	}
	bank[offset] += delta
}

// Queue is a simulated command queue executing each flushed buffer on its
// own goroutine
type Queue struct {
	hub  *Hub
	regs *Registers

	created   atomic.Int64
	flushed   atomic.Int64
	destroyed atomic.Int64
	reject    atomic.Bool
	failing   atomic.Int32
}

// Create implements hw.CommandQueue
func (q *Queue) Create() (hw.CommandBuffer, error) {
	q.created.Add(1)
	return &CommandBuffer{q: q, gone: make(chan struct{})}, nil
}

// RejectFlushes makes every later FlushAsync fail synchronously
func (q *Queue) RejectFlushes(on bool) { q.reject.Store(on) }

// FailExecutions makes the next n buffers that run to the end complete with
// ErrExecFailed
func (q *Queue) FailExecutions(n int) { q.failing.Store(int32(n)) }

func (q *Queue) takeFailure() bool {
	for {
		n := q.failing.Load()
		if n <= 0 {
			return false
		}
		if q.failing.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Live returns created minus destroyed buffers
func (q *Queue) Live() int64 { return q.created.Load() - q.destroyed.Load() }

// Flushed returns how many buffers were flushed
func (q *Queue) Flushed() int64 { return q.flushed.Load() }

// CommandBuffer is a simulated command buffer
type CommandBuffer struct {
	q *Queue

	mu      sync.Mutex
	ops     []op
	slots   map[int]uint32
	gone    chan struct{}
	dead    bool
	running bool
}

// ClearEvent implements hw.CommandBuffer
func (b *CommandBuffer) ClearEvent(ev hw.Event) {
	b.append(op{kind: opClear, ev: ev})
}

// WaitEvent implements hw.CommandBuffer
func (b *CommandBuffer) WaitEvent(ev hw.Event) {
	b.append(op{kind: opWait, ev: ev})
}

// WriteRegister implements hw.CommandBuffer
func (b *CommandBuffer) WriteRegister(sub hw.Subsys, offset, value, mask uint32) {
	b.append(op{kind: opWrite, sub: sub, offset: offset, value: value, mask: mask})
}

// ReadRegister implements hw.CommandBuffer
func (b *CommandBuffer) ReadRegister(sub hw.Subsys, offset uint32, slot int) {
	b.append(op{kind: opRead, sub: sub, offset: offset, slot: slot})
}

func (b *CommandBuffer) append(o op) {
	b.mu.Lock()
	b.ops = append(b.ops, o)
	b.mu.Unlock()
}

// Slot implements hw.CommandBuffer
func (b *CommandBuffer) Slot(n int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[n]
}

// Len returns the number of recorded instructions
func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// FlushAsync implements hw.CommandBuffer. The buffer may be flushed again
// after its callback ran.
func (b *CommandBuffer) FlushAsync(done func(error)) error {
	if b.q.reject.Load() {
		return ErrFlushRejected
	}
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return hw.ErrDestroyed
	}
	if b.running {
		b.mu.Unlock()
		return errors.New("sim: buffer already in flight")
	}
	b.running = true
	ops := append([]op(nil), b.ops...)
	b.mu.Unlock()

	b.q.flushed.Add(1)

	// arm clear points before returning so a pulse right after the flush is
	// not lost
	armed := make(map[int]<-chan struct{})
	for i, o := range ops {
		if o.kind == opClear {
			armed[i] = b.q.hub.arm(o.ev)
		}
	}

	go b.execute(ops, armed, done)
	return nil
}

func (b *CommandBuffer) execute(ops []op, armed map[int]<-chan struct{}, done func(error)) {
	err := b.run(ops, armed)
	if err == nil && b.q.takeFailure() {
		err = ErrExecFailed
	}
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	done(err)
}

func (b *CommandBuffer) run(ops []op, armed map[int]<-chan struct{}) error {
	pending := make(map[hw.Event]<-chan struct{})
	for i, o := range ops {
		switch o.kind {
		case opClear:
			pending[o.ev] = armed[i]
		case opWait:
			ch, ok := pending[o.ev]
			if !ok {
				ch = b.q.hub.arm(o.ev)
			}
			delete(pending, o.ev)
			b.q.hub.addWaiter(o.ev, 1)
			select {
			case <-ch:
				b.q.hub.addWaiter(o.ev, -1)
			case <-b.gone:
				b.q.hub.addWaiter(o.ev, -1)
				return hw.ErrDestroyed
			}
		case opWrite:
			b.q.regs.Write(o.sub, o.offset, o.value, o.mask)
		case opRead:
			v := b.q.regs.Read(o.sub, o.offset)
			b.mu.Lock()
			if b.slots == nil {
				b.slots = make(map[int]uint32)
			}
			b.slots[o.slot] = v
			b.mu.Unlock()
		}
	}
	return nil
}

// Destroy implements hw.CommandBuffer
func (b *CommandBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return
	}
	b.dead = true
	close(b.gone)
	b.q.destroyed.Add(1)
}
