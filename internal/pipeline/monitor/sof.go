package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/pipeline/timing"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

// Phase tells the SOF handler what the controller wants on each frame
type Phase int

const (
	// PhaseIdle counts SOF only
	PhaseIdle Phase = iota
	// PhaseRunning advances the ring and submits address updates
	PhaseRunning
	// PhasePaused holds the current buffer
	PhasePaused
)

// DefaultPauseSleep is how long a paused SOF handler sleeps per frame
const DefaultPauseSleep = 5 * time.Millisecond

// SOFConfig wires the SOF handler
type SOFConfig struct {
	Path    int
	Ring    *ring.Ring
	Channel *reconfig.Channel
	// Plan returns the geometry address updates are written for
	Plan   func() *topology.Plan
	Format hw.PixelFormat

	Phase      func() Phase
	PauseSleep time.Duration

	Counters *Counters
	Timing   *timing.Tracker
	// OnSubmit is called with every address-update batch id
	OnSubmit func(bufferID ring.BufferID)
}

// SOFHandler drives the buffer ring from start-of-frame events
type SOFHandler struct {
	cfg    SOFConfig
	logger *zap.Logger
}

// NewSOFHandler creates the handler
func NewSOFHandler(cfg SOFConfig, logger *zap.Logger) *SOFHandler {
	if cfg.PauseSleep <= 0 {
		cfg.PauseSleep = DefaultPauseSleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SOFHandler{cfg: cfg, logger: logger.With(zap.Int("path", cfg.Path))}
}

// Fire handles one SOF
func (h *SOFHandler) Fire(ctx context.Context) {
	h.cfg.Counters.Add(CounterSOF, 1)
	if h.cfg.Timing != nil {
		h.cfg.Timing.Observe(time.Now())
	}

	phase := PhaseIdle
	if h.cfg.Phase != nil {
		phase = h.cfg.Phase()
	}

	switch phase {
	case PhaseIdle:
		return
	case PhasePaused:
		select {
		case <-time.After(h.cfg.PauseSleep):
		case <-ctx.Done():
		}
		h.cfg.Ring.Rewind()
		return
	}

	// the previous address update has not landed yet
	if h.cfg.Channel.Pending(reconfig.PurposeAddressUpdate) {
		h.cfg.Counters.Add(CounterBusy, 1)
		h.logger.Debug("Address update still pending, skipping frame")
		return
	}

	next, gen, err := h.cfg.Ring.AdvanceNext()
	if err != nil {
		h.logger.Warn("Ring advance failed", zap.Error(err))
		return
	}

	plan := h.cfg.Plan()
	cfg := plan.Config
	_, err = h.cfg.Channel.Submit(ctx, reconfig.Spec{
		Purpose: reconfig.PurposeAddressUpdate,
		WaitFor: hw.FrameDoneEvent(h.cfg.Path),
		Engines: plan.Chains,
		Output: &reconfig.Output{
			Addr:   next.Addr,
			Width:  cfg.OutWidth,
			Height: cfg.OutHeight,
			Format: h.cfg.Format,
		},
		Compressed: cfg.Compressed,
		Op:         reconfig.RingSwap,
		Generation: gen,
	})
	switch {
	case err == nil:
		if h.cfg.OnSubmit != nil {
			h.cfg.OnSubmit(next.ID)
		}
	case errors.Is(err, reconfig.ErrBusy):
		h.cfg.Counters.Add(CounterBusy, 1)
		h.cfg.Ring.Rewind()
	default:
		h.cfg.Ring.Rewind()
		if !errors.Is(err, reconfig.ErrClosed) {
			h.logger.Error("Address update failed", zap.Error(err))
		}
	}
}
