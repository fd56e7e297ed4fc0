package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/infrastructure/resilience"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

var (
	// ErrUnderflow describes a write engine underflow
	ErrUnderflow = errors.New("write engine underflow")
	// ErrRecoveryEscalation is raised when automatic recovery keeps failing
	ErrRecoveryEscalation = errors.New("overrun persists despite recovery")
	// ErrRecoveryIneffective marks an overrun arriving soon after a recovery
	ErrRecoveryIneffective = errors.New("overrun repeated within recovery window")
)

// AlertKind classifies monitor alerts
type AlertKind string

const (
	AlertSyncTimeout        AlertKind = "sync_timeout"
	AlertUnderflow          AlertKind = "underflow"
	AlertRecoveryEscalation AlertKind = "recovery_escalation"
)

// Alert is a user-visible error detected by a monitor
type Alert struct {
	Kind     AlertKind
	Path     int
	Err      error
	Snapshot *Snapshot
}

// UnderflowReads are the diagnostic counters captured on underflow
func UnderflowReads(path int) []Read {
	we := hw.StageID{Kind: hw.KindWriteEngine, Index: path * topology.SlicesPerPath}
	return []Read{
		{Stage: we, Offset: hw.RegWDMAWriteOps},
		{Stage: we, Offset: hw.RegWDMAReadOps},
	}
}

// OverrunReads are the counters captured on overrun
func OverrunReads(path int) []Read {
	we := hw.StageID{Kind: hw.KindWriteEngine, Index: path * topology.SlicesPerPath}
	return []Read{
		{Stage: we, Offset: hw.RegWDMASkipCount},
		{Stage: we, Offset: hw.RegWDMAReadPtr},
	}
}

// UnderflowConfig wires the underflow handler
type UnderflowConfig struct {
	Path    int
	Capture *CaptureDescriptor
	// Notify enables user-visible alerts, throttled by Limiter
	Notify   bool
	Limiter  *rate.Limiter
	Counters *Counters
	OnAlert  func(Alert)
}

// UnderflowHandler is the CPU task woken after an underflow snapshot
type UnderflowHandler struct {
	cfg    UnderflowConfig
	logger *zap.Logger
}

// NewUnderflowHandler creates the handler. A nil limiter allows one alert
// per second.
func NewUnderflowHandler(cfg UnderflowConfig, logger *zap.Logger) *UnderflowHandler {
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnderflowHandler{cfg: cfg, logger: logger.With(zap.Int("path", cfg.Path))}
}

// Fire handles one underflow snapshot
func (h *UnderflowHandler) Fire(ctx context.Context) {
	snap := h.cfg.Capture.Current()
	if snap.Seq == 0 {
		return
	}
	h.cfg.Counters.Add(CounterUnderflow, 1)

	writes, reads := snap.Values[0], snap.Values[1]
	h.logger.Warn("Underflow",
		zap.Uint64("seq", snap.Seq),
		zap.Uint32("write_ops", writes),
		zap.Uint32("read_ops", reads))

	if h.cfg.Notify && h.cfg.OnAlert != nil && h.cfg.Limiter.Allow() {
		h.cfg.OnAlert(Alert{
			Kind:     AlertUnderflow,
			Path:     h.cfg.Path,
			Err:      fmt.Errorf("%w: %d writes, %d reads", ErrUnderflow, writes, reads),
			Snapshot: &snap,
		})
	}
}

// OverrunConfig wires the overrun handler
type OverrunConfig struct {
	Path        int
	Capture     *CaptureDescriptor
	Channel     *reconfig.Channel
	AutoRecover bool
	// Window is how soon a repeated overrun marks the last recovery failed
	Window time.Duration
	// EscalateAfter failed recoveries open the breaker
	EscalateAfter int
	// Cooldown is how long recovery stays off after escalating
	Cooldown time.Duration
	Counters *Counters
	OnAlert  func(Alert)
}

// OverrunHandler is the CPU task woken after an overrun snapshot
type OverrunHandler struct {
	cfg     OverrunConfig
	logger  *zap.Logger
	breaker *resilience.Breaker

	lastSkip     uint32
	seen         bool
	lastRecovery time.Time
	lastSnap     Snapshot
}

// NewOverrunHandler creates the handler with its recovery breaker
func NewOverrunHandler(cfg OverrunConfig, logger *zap.Logger) *OverrunHandler {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &OverrunHandler{cfg: cfg, logger: logger.With(zap.Int("path", cfg.Path))}
	h.breaker = resilience.New(fmt.Sprintf("overrun-%d", cfg.Path), resilience.Settings{
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.EscalateAfter)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			if to == resilience.StateOpen {
				h.escalate()
			}
		},
	})
	return h
}

// Breaker returns the recovery breaker
func (h *OverrunHandler) Breaker() *resilience.Breaker { return h.breaker }

// Fire handles one overrun snapshot. Only the monitor goroutine calls it.
func (h *OverrunHandler) Fire(ctx context.Context) {
	snap := h.cfg.Capture.Current()
	if snap.Seq == 0 {
		return
	}
	h.lastSnap = snap
	h.cfg.Counters.Add(CounterOverrun, 1)

	skip, readPtr := snap.Values[0], snap.Values[1]
	delta := uint32(1)
	if h.seen && skip != h.lastSkip {
		delta = skip - h.lastSkip
	}
	h.lastSkip, h.seen = skip, true
	h.cfg.Counters.Add(CounterSkip, uint64(delta))

	h.logger.Warn("Overrun",
		zap.Uint64("seq", snap.Seq),
		zap.Uint32("skip_count", skip),
		zap.Uint32("read_ptr", readPtr))

	if !h.cfg.AutoRecover {
		return
	}

	repeat := !h.lastRecovery.IsZero() && snap.Time.Sub(h.lastRecovery) < h.cfg.Window
	err := h.breaker.Execute(func() error {
		we := hw.StageID{Kind: hw.KindWriteEngine, Index: h.cfg.Path * topology.SlicesPerPath}
		_, err := h.cfg.Channel.Submit(ctx, reconfig.Spec{
			Purpose: reconfig.PurposeRecoveryAdjust,
			Writes:  []reconfig.Write{{Stage: we, Offset: hw.RegWDMAReadPtr, Value: readPtr - delta}},
		})
		if err != nil {
			return err
		}
		h.lastRecovery = snap.Time
		h.cfg.Counters.Add(CounterRecovery, 1)
		if repeat {
			return ErrRecoveryIneffective
		}
		return nil
	})

	switch {
	case err == nil:
		h.logger.Debug("Read pointer adjusted", zap.Uint32("read_ptr", readPtr-delta))
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		h.logger.Debug("Recovery suspended after escalation")
	default:
		h.logger.Warn("Recovery did not hold", zap.Error(err))
	}
}

func (h *OverrunHandler) escalate() {
	h.cfg.Counters.Add(CounterEscalation, 1)
	h.logger.Error("Overrun recovery escalated", zap.Uint64("trips", h.breaker.Trips()))
	if h.cfg.OnAlert != nil {
		snap := h.lastSnap
		h.cfg.OnAlert(Alert{
			Kind:     AlertRecoveryEscalation,
			Path:     h.cfg.Path,
			Err:      ErrRecoveryEscalation,
			Snapshot: &snap,
		})
	}
}
