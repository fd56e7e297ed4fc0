package monitor

import "sync/atomic"

// Counter names one statistic kept by the monitors
type Counter int

const (
	CounterSOF Counter = iota
	CounterFrame
	CounterSkip
	CounterMiss
	CounterUnderflow
	CounterOverrun
	CounterRecovery
	CounterEscalation
	CounterBusy
	numCounters
)

var counterNames = [numCounters]string{
	"sof", "frame", "skip", "miss", "underflow", "overrun", "recovery", "escalation", "busy",
}

// String returns the counter name
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters is a lock-free set of monitor statistics for one path
type Counters struct {
	v     [numCounters]atomic.Uint64
	onAdd func(Counter, uint64)
}

// NewCounters creates counters. onAdd, when set, mirrors every increment
// (for example into metrics).
func NewCounters(onAdd func(Counter, uint64)) *Counters {
	return &Counters{onAdd: onAdd}
}

// Add increments c by n
func (c *Counters) Add(counter Counter, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.v[counter].Add(n)
	if c.onAdd != nil {
		c.onAdd(counter, n)
	}
}

// Get returns the value of c
func (c *Counters) Get(counter Counter) uint64 {
	if c == nil {
		return 0
	}
	return c.v[counter].Load()
}

// Reset zeroes every counter
func (c *Counters) Reset() {
	for i := range c.v {
		c.v[i].Store(0)
	}
}
