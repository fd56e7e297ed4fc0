package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/infrastructure/tracing"
	"github.com/zfett/vpipe/internal/pipeline/events"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

// ErrUnknownPath is returned for a path without a controller
var ErrUnknownPath = errors.New("unknown display path")

// Manager owns at most one controller per display path. Controllers share
// one sequencer pool, so paths in the same sync group arm one trigger
// resource.
type Manager struct {
	dev    hw.Device
	logger *zap.Logger
	pool   *SequencerPool
	tracer *tracing.Tracer
	opts   []Option

	mu          sync.RWMutex
	controllers map[int]*Controller
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithTracer runs every command in a span
func WithTracer(t *tracing.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithControllerOptions applies opts to every controller the manager creates
func WithControllerOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

// NewManager creates a manager over dev
func NewManager(dev hw.Device, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		dev:         dev,
		logger:      logger,
		pool:        NewSequencerPool(dev, logger.Named("sync")),
		controllers: make(map[int]*Controller),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the shared sequencer pool
func (m *Manager) Pool() *SequencerPool { return m.pool }

// Get returns the controller of path
func (m *Manager) Get(path int) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[path]
	return c, ok
}

// List returns a snapshot of every controller, ordered by path
func (m *Manager) List() []Info {
	m.mu.RLock()
	ctls := make([]*Controller, 0, len(m.controllers))
	for p := 0; p < topology.MaxPaths; p++ {
		if c, ok := m.controllers[p]; ok {
			ctls = append(ctls, c)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(ctls))
	for _, c := range ctls {
		infos = append(infos, c.Info())
	}
	return infos
}

// Stats returns the statistics of every controller by path
func (m *Manager) Stats() map[int]events.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]events.Stats, len(m.controllers))
	for p, c := range m.controllers {
		out[p] = c.Stats()
	}
	return out
}

// controller returns the controller of path, creating it if needed
func (m *Manager) controller(path int) (*Controller, error) {
	if path < 0 || path >= topology.MaxPaths {
		return nil, &topology.Fault{Path: path, Reason: "path out of range", Err: topology.ErrInvalidPath}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[path]; ok {
		return c, nil
	}
	opts := append([]Option{WithPool(m.pool)}, m.opts...)
	c := New(path, m.dev, m.logger.Named("pipeline"), opts...)
	m.controllers[path] = c
	return c, nil
}

// Init initializes path with cfg, creating its controller
func (m *Manager) Init(ctx context.Context, cfg Config) error {
	c, err := m.controller(cfg.Path)
	if err != nil {
		return err
	}
	return m.traced(ctx, cfg.Path, CmdInit, func(ctx context.Context) error {
		return c.Init(ctx, cfg)
	})
}

// Reconfigure changes the input geometry of a live path
func (m *Manager) Reconfigure(ctx context.Context, cfg Config) error {
	c, ok := m.Get(cfg.Path)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPath, cfg.Path)
	}
	return m.traced(ctx, cfg.Path, CmdReconfigure, func(ctx context.Context) error {
		return c.Reconfigure(ctx, cfg)
	})
}

// Execute runs a command other than Init on an existing controller. Deinit
// also drops the controller.
func (m *Manager) Execute(ctx context.Context, path int, cmd Command) error {
	if cmd == CmdInit {
		return fmt.Errorf("%w: init needs a config", ErrInvalidConfig)
	}
	c, ok := m.Get(path)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPath, path)
	}

	var run func(context.Context) error
	switch cmd {
	case CmdTrigger:
		run = c.Trigger
	case CmdDisplay:
		run = c.Display
	case CmdPause:
		run = c.Pause
	case CmdResume:
		run = c.Resume
	case CmdReset:
		run = c.Reset
	case CmdDeinit:
		run = func(ctx context.Context) error { return m.deinit(ctx, c) }
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return m.traced(ctx, path, cmd, run)
}

// Deinit tears path down and forgets its controller
func (m *Manager) Deinit(ctx context.Context, path int) error {
	return m.Execute(ctx, path, CmdDeinit)
}

func (m *Manager) deinit(ctx context.Context, c *Controller) error {
	err := c.Deinit(ctx)
	m.mu.Lock()
	if m.controllers[c.Path()] == c {
		delete(m.controllers, c.Path())
	}
	m.mu.Unlock()
	return err
}

// Shutdown deinitializes every path
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	paths := make([]int, 0, len(m.controllers))
	for p := range m.controllers {
		paths = append(paths, p)
	}
	m.mu.RUnlock()

	var errs []error
	for _, p := range paths {
		if err := m.Deinit(ctx, p); err != nil && !errors.Is(err, ErrUnknownPath) {
			errs = append(errs, fmt.Errorf("path %d: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) traced(ctx context.Context, path int, cmd Command, run func(context.Context) error) error {
	if m.tracer == nil {
		return run(ctx)
	}
	span, ctx := m.tracer.StartSpan(ctx, "pipeline."+string(cmd))
	span.SetTag("path", strconv.Itoa(path))
	err := run(ctx)
	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	m.tracer.Submit(span)
	return err
}
