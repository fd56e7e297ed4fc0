package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
)

var (
	ErrWrongMode  = errors.New("operation needs continuous mode")
	ErrPhaseError = errors.New("source and panel frame times too far apart")
	ErrNoTiming   = errors.New("invalid timing")
)

const (
	// MinDelayUs and MaxDelayUs clamp the delayed trigger offset
	MinDelayUs = 50
	MaxDelayUs = 4000
	// MaxPhaseError bounds the frame time difference of the two timing domains
	MaxPhaseError = 500 * time.Microsecond
)

// Mode selects how SOF is generated
type Mode int

const (
	// ModeContinuous free-runs SOF independently of the input
	ModeContinuous Mode = iota
	// ModeSingle ties SOF to the external source
	ModeSingle
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeSingle:
		return "single"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "continuous":
		return ModeContinuous, nil
	case "single":
		return ModeSingle, nil
	default:
		return ModeContinuous, fmt.Errorf("unknown trigger mode %q", s)
	}
}

// Source maps the mode onto the SOF generator it selects
func (m Mode) Source() hw.SOFSource {
	if m == ModeSingle {
		return hw.SOFExternal
	}
	return hw.SOFFreeRun
}

// Sequencer drives one trigger resource, optionally with a delayed companion
// and a timer-driven one. It may be shared by several display paths: Enable
// and Disable are reference counted so the resource is armed once.
type Sequencer struct {
	res    hw.SyncResource
	logger *zap.Logger

	mu      sync.Mutex
	mode    Mode
	refs    int
	delayed hw.SyncResource
	delayUs uint32
	timer   hw.SyncResource
}

// New creates a sequencer over res
func New(res hw.SyncResource, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{res: res, logger: logger.With(zap.Int("mutex", res.ID()))}
}

// Resource returns the primary trigger resource
func (s *Sequencer) Resource() hw.SyncResource { return s.res }

// SelectMode programs the SOF source for mode
func (s *Sequencer) SelectMode(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.res.SelectSOFSource(mode.Source()); err != nil {
		return fmt.Errorf("select sof source: %w", err)
	}
	s.mode = mode
	s.logger.Debug("Trigger mode selected", zap.String("mode", mode.String()))
	return nil
}

// Mode returns the selected mode
func (s *Sequencer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// DelayFor computes the delayed trigger offset from the source's vertical
// blank, clamped, and checks the two frame times stay within MaxPhaseError
func DelayFor(src, panel hw.Timing) (uint32, error) {
	if !src.Valid() || !panel.Valid() {
		return 0, ErrNoTiming
	}

	diff := src.FrameTime() - panel.FrameTime()
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxPhaseError {
		return 0, fmt.Errorf("%w: %v", ErrPhaseError, diff)
	}

	us := src.VBlank().Microseconds() / 2
	if us < MinDelayUs {
		us = MinDelayUs
	}
	if us > MaxDelayUs {
		us = MaxDelayUs
	}
	return uint32(us), nil
}

// ConfigureDelay programs delayed as a secondary trigger offset from the
// source's blanking interval. Continuous mode only.
func (s *Sequencer) ConfigureDelay(delayed hw.SyncResource, src, panel hw.Timing) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeContinuous {
		return 0, ErrWrongMode
	}
	us, err := DelayFor(src, panel)
	if err != nil {
		return 0, err
	}

	if err := delayed.SelectSOFSource(hw.SOFDelayed); err != nil {
		return 0, fmt.Errorf("select delayed source: %w", err)
	}
	if err := delayed.SetDelayUs(us); err != nil {
		return 0, fmt.Errorf("set delay: %w", err)
	}
	s.delayed = delayed
	s.delayUs = us

	s.logger.Info("Delayed trigger configured",
		zap.Uint32("delay_us", us),
		zap.Int("delayed_mutex", delayed.ID()))
	return us, nil
}

// Delayed returns the delayed resource, nil when none is configured
func (s *Sequencer) Delayed() hw.SyncResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayed
}

// Enable arms the resource on the first call; later calls only count
func (s *Sequencer) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs++
	if s.refs > 1 {
		return nil
	}
	if err := s.res.Enable(); err != nil {
		s.refs--
		return fmt.Errorf("enable: %w", err)
	}
	if s.delayed != nil {
		if err := s.delayed.Enable(); err != nil {
			_ = s.res.Disable()
			s.refs--
			return fmt.Errorf("enable delayed: %w", err)
		}
	}
	s.logger.Info("Trigger enabled", zap.String("mode", s.mode.String()))
	return nil
}

// Disable disarms the resource when the last user disables. Extra calls are
// ignored.
func (s *Sequencer) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	var errs []error
	if s.delayed != nil {
		if err := s.delayed.Disable(); err != nil {
			errs = append(errs, fmt.Errorf("disable delayed: %w", err))
		}
	}
	if err := s.res.Disable(); err != nil {
		errs = append(errs, fmt.Errorf("disable: %w", err))
	}
	s.logger.Info("Trigger disabled")
	return errors.Join(errs...)
}

// Enabled reports whether the resource is armed
func (s *Sequencer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs > 0
}

// Refs returns the number of active enables
func (s *Sequencer) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// ArmTimer programs res as a timer-driven trigger and enables it
func (s *Sequencer) ArmTimer(res hw.SyncResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return nil
	}
	if err := res.SelectSOFSource(hw.SOFTimer); err != nil {
		return fmt.Errorf("select timer source: %w", err)
	}
	if err := res.TimerEnable(true); err != nil {
		return fmt.Errorf("timer enable: %w", err)
	}
	if err := res.Enable(); err != nil {
		_ = res.TimerEnable(false)
		return fmt.Errorf("enable timer: %w", err)
	}
	s.timer = res
	s.logger.Debug("Timer trigger armed", zap.Int("timer_mutex", res.ID()))
	return nil
}

// DisarmTimer disables the timer trigger and hands its resource back to the
// caller for release. It returns nil when no timer was armed.
func (s *Sequencer) DisarmTimer() (hw.SyncResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.timer
	if res == nil {
		return nil, nil
	}
	s.timer = nil
	err := errors.Join(res.TimerEnable(false), res.Disable())
	return res, err
}

// TakeDelayed detaches the delayed resource so the caller can release it
func (s *Sequencer) TakeDelayed() hw.SyncResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.delayed
	s.delayed = nil
	s.delayUs = 0
	return res
}
