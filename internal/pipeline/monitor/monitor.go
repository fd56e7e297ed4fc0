package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
)

var (
	// ErrSyncTimeout is reported when a wait exceeds its bound
	ErrSyncTimeout = errors.New("sync timeout")
	// ErrStopTimeout is returned by Stop when the loop did not reach STOPPED
	ErrStopTimeout = errors.New("monitor did not stop in time")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("monitor already started")
)

const (
	DefaultWaitTimeout = 100 * time.Millisecond
	DefaultStopTimeout = 300 * time.Millisecond
)

// State is the monitor loop state
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateFired
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is what a monitor blocks on
type Source interface {
	// Wait blocks until the next wake or timeout (hw.ErrWaitTimeout)
	Wait(ctx context.Context, timeout time.Duration) error
	// Clear drops a pending wake condition
	Clear()
	// Wake forces a synthetic wake
	Wake()
}

type eventSource struct {
	waiter hw.EventWaiter
	ev     hw.Event
}

// EventSource adapts one hardware event line to a Source
func EventSource(waiter hw.EventWaiter, ev hw.Event) Source {
	return &eventSource{waiter: waiter, ev: ev}
}

func (s *eventSource) Wait(ctx context.Context, timeout time.Duration) error {
	return s.waiter.Wait(ctx, s.ev, timeout)
}

func (s *eventSource) Clear() { s.waiter.Clear(s.ev) }
func (s *eventSource) Wake()  { s.waiter.Signal(s.ev) }

// Config describes one monitor loop
type Config struct {
	Name   string
	Path   int
	Source Source

	WaitTimeout time.Duration
	StopTimeout time.Duration
	// EscalateAfter consecutive misses calls OnEscalate; zero disables
	EscalateAfter int

	OnFire     func(ctx context.Context)
	OnMiss     func(consecutive int)
	OnEscalate func(misses int)

	// Capture is destroyed once the loop has stopped
	Capture *CaptureDescriptor
}

// Monitor is a long-lived loop reacting to one event source
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	state  atomic.Int32
	fires  atomic.Uint64
	misses atomic.Uint64

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a monitor in the idle state
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With(zap.String("monitor", cfg.Name), zap.Int("path", cfg.Path)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the monitor name
func (m *Monitor) Name() string { return m.cfg.Name }

// State returns the loop state
func (m *Monitor) State() State { return State(m.state.Load()) }

// Fires returns how many times the monitor fired
func (m *Monitor) Fires() uint64 { return m.fires.Load() }

// Misses returns how many waits timed out
func (m *Monitor) Misses() uint64 { return m.misses.Load() }

// Start launches the loop. The loop ends when Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.state.Store(int32(StateArmed))

	go m.run(ctx)
	m.logger.Debug("Monitor started")
	return nil
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.state.Store(int32(StateStopped))

	consecutive := 0
	for {
		if m.stopped() {
			return
		}
		m.state.Store(int32(StateArmed))

		err := m.cfg.Source.Wait(ctx, m.cfg.WaitTimeout)
		if m.stopped() {
			return
		}

		switch {
		case err == nil:
			m.state.Store(int32(StateFired))
			m.fires.Add(1)
			consecutive = 0
			if m.cfg.OnFire != nil {
				m.cfg.OnFire(ctx)
			}

		case errors.Is(err, hw.ErrWaitTimeout):
			if m.cfg.OnMiss == nil && m.cfg.OnEscalate == nil {
				continue
			}
			m.misses.Add(1)
			consecutive++
			if m.cfg.OnMiss != nil {
				m.cfg.OnMiss(consecutive)
			}
			if m.cfg.EscalateAfter > 0 && consecutive == m.cfg.EscalateAfter {
				m.logger.Warn("Repeated sync timeouts", zap.Int("misses", consecutive))
				if m.cfg.OnEscalate != nil {
					m.cfg.OnEscalate(consecutive)
				}
			}

		case ctx.Err() != nil:
			return

		default:
			m.logger.Warn("Monitor wait failed", zap.Error(err))
			select {
			case <-time.After(m.cfg.WaitTimeout):
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop clears the wake condition, forces a synthetic wake and waits up to
// the stop timeout for the loop to reach STOPPED, then destroys the capture
// descriptor. Calling Stop again returns the first result.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()

		close(m.stop)
		if started {
			m.cfg.Source.Clear()
			m.cfg.Source.Wake()

			timer := time.NewTimer(m.cfg.StopTimeout)
			select {
			case <-m.done:
			case <-timer.C:
				m.stopErr = fmt.Errorf("%s monitor path %d: %w", m.cfg.Name, m.cfg.Path, ErrStopTimeout)
			}
			timer.Stop()
		} else {
			m.state.Store(int32(StateStopped))
		}

		if m.cfg.Capture != nil {
			m.cfg.Capture.Destroy()
		}

		if m.stopErr != nil {
			m.logger.Error("Monitor stop timed out", zap.Error(m.stopErr))
		} else {
			m.logger.Debug("Monitor stopped", zap.Uint64("fires", m.fires.Load()))
		}
	})
	return m.stopErr
}

// Done is closed when the loop exits
func (m *Monitor) Done() <-chan struct{} { return m.done }
