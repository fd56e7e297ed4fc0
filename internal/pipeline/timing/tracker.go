// Package timing keeps start-of-frame interval statistics.
package timing

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of intervals kept
const DefaultWindow = 240

// Summary describes the recent SOF cadence
type Summary struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	Jitter  time.Duration `json:"jitter"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// Tracker records the interval between consecutive observations over a
// sliding window
type Tracker struct {
	mu        sync.Mutex
	window    []float64
	next      int
	full      bool
	last      time.Time
	intervals uint64
}

// NewTracker creates a tracker keeping size intervals
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Tracker{window: make([]float64, size)}
}

// Observe records an event at t
func (t *Tracker) Observe(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.last.IsZero() && at.After(t.last) {
		t.window[t.next] = float64(at.Sub(t.last))
		t.next = (t.next + 1) % len(t.window)
		if t.next == 0 {
			t.full = true
		}
		t.intervals++
	}
	t.last = at
}

// Reset forgets every observation
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next, t.full, t.intervals = 0, false, 0
	t.last = time.Time{}
}

// Summary returns mean, standard deviation (jitter) and range of the window
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.window)
	}
	samples := make([]float64, n)
	copy(samples, t.window[:n])
	t.mu.Unlock()

	if n == 0 {
		return Summary{}
	}

	mean, std := stat.MeanStdDev(samples, nil)
	if math.IsNaN(std) {
		std = 0
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Summary{
		Samples: n,
		Mean:    time.Duration(mean),
		Jitter:  time.Duration(std),
		Min:     time.Duration(lo),
		Max:     time.Duration(hi),
	}
}
