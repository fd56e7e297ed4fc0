package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// MaxRequests is the number of trial calls allowed while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts periodically; zero keeps them
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// ReadyToTrip decides from the counts after a failure whether to open
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called with the breaker lock released
	OnStateChange func(name string, from State, to State)
	// IsSuccessful classifies an error; nil treats only nil as success
	IsSuccessful func(err error) bool
}

// Counts holds the statistics of the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type transition struct {
	from, to State
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	trips      uint64
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Timeout == 0 {
		settings.Timeout = 60 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > 5
		}
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool { return err == nil }
	}

	b := &Breaker{name: name, settings: settings}
	b.toNewGeneration(time.Now())
	return b
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	state, _, tr := b.currentState(time.Now())
	b.mu.Unlock()

	b.notify(tr)
	return state
}

// Counts returns a copy of the internal counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Trips returns how many times the breaker opened
func (b *Breaker) Trips() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Execute runs fn if the breaker accepts it and records the outcome. When
// the breaker rejects the call, fn is not run and ErrCircuitOpen or
// ErrTooManyRequests is returned.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = fn()
	b.afterRequest(generation, b.settings.IsSuccessful(err))
	return err
}

// Reset forces the breaker closed with fresh counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(StateClosed, time.Now())
	b.counts = Counts{}
	b.mu.Unlock()
	b.notify(tr)
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	state, generation, tr := b.currentState(time.Now())

	var err error
	switch {
	case state == StateOpen:
		err = ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		err = ErrTooManyRequests
	default:
		b.counts.Requests++
	}
	b.mu.Unlock()

	b.notify(tr)
	return generation, err
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	now := time.Now()
	state, generation, tr := b.currentState(now)
	if generation == before {
		if success {
			tr = b.onSuccess(state, now)
		} else {
			tr = b.onFailure(state, now)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

func (b *Breaker) onSuccess(state State, now time.Time) *transition {
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
		return b.setState(StateClosed, now)
	}
	return nil
}

func (b *Breaker) onFailure(state State, now time.Time) *transition {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.settings.ReadyToTrip(b.counts) {
			return b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		return b.setState(StateOpen, now)
	}
	return nil
}

func (b *Breaker) currentState(now time.Time) (State, uint64, *transition) {
	var tr *transition
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			tr = b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation, tr
}

func (b *Breaker) setState(state State, now time.Time) *transition {
	if b.state == state {
		return nil
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.trips++
	}
	b.toNewGeneration(now)
	return &transition{from: prev, to: state}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, tr.from, tr.to)
	}
}
