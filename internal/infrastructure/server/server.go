package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/zfett/vpipe/internal/api/http"
	"github.com/zfett/vpipe/internal/api/middleware"
	"github.com/zfett/vpipe/internal/api/ws"
	"github.com/zfett/vpipe/internal/grpc/health"
	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/infrastructure/config"
	"github.com/zfett/vpipe/internal/infrastructure/logging"
	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/infrastructure/tracing"
	"github.com/zfett/vpipe/internal/notify"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

// ErrNoDevice is returned when simulation is off and no device was given
var ErrNoDevice = errors.New("no hardware device available, set VPIPE_SIMULATE=true")

const (
	statsInterval   = time.Second
	shutdownTimeout = 5 * time.Second
)

// Server wires the pipeline manager to its control surfaces
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	device   hw.Device
	sim      *sim.Device
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	bus      *events.Bus
	manager  *controller.Manager
	notifier *notify.Notifier
	health   *health.Server
	router   *gin.Engine
}

// Option configures a Server
type Option func(*Server)

// WithDevice runs the pipelines on dev instead of a simulated device
func WithDevice(dev hw.Device) Option {
	return func(s *Server) { s.device = dev }
}

// WithLogger replaces the logger built from the configuration
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		s.logger = logger
	}

	if s.device == nil {
		if !cfg.Pipeline.Simulate {
			return nil, ErrNoDevice
		}
		s.sim = sim.NewDevice()
		s.device = s.sim
		s.logger.Info("Using simulated device", zap.Int("fps", cfg.Pipeline.FrameRate))
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = monitoring.NewMetrics(s.registry)
	s.tracer = tracing.New("vpiped", s.logger.Named("trace"))
	s.bus = events.NewBus(cfg.Events.HistorySize, s.logger.Named("events"))

	s.manager = controller.NewManager(s.device, s.logger,
		controller.WithTracer(s.tracer),
		controller.WithControllerOptions(
			controller.WithPublisher(s.bus),
			controller.WithObserver(s.metrics),
			controller.WithMonitorSettings(controller.MonitorSettings{
				SOFTimeout:    cfg.Monitor.SOFTimeout,
				StopTimeout:   cfg.Monitor.StopTimeout,
				MissEscalate:  cfg.Monitor.MissEscalate,
				StableTimeout: cfg.Monitor.StableTimeout,
			}),
		))

	if cfg.Notify.WebhookURL != "" {
		n, err := notify.New(notify.Config{
			URL:     cfg.Notify.WebhookURL,
			Retries: cfg.Notify.Retries,
			Timeout: cfg.Notify.Timeout,
		}, s.metrics, s.logger.Named("notify"))
		if err != nil {
			return nil, err
		}
		s.notifier = n
		s.logger.Info("Webhook delivery enabled", zap.String("url", cfg.Notify.WebhookURL))
	}

	s.health = health.New(s.manager, s.tracer, s.logger.Named("grpc"))
	s.router = s.routes()

	s.logger.Info("Server initialized",
		zap.String("http", s.httpAddr()),
		zap.String("grpc", s.grpcAddr()))
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.Recovery(s.logger))
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.Logger(s.logger.Named("http")))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if rl := s.config.RateLimit; rl.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", rl.RequestsPerSecond),
			zap.Int("burst", rl.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			Idle:              middleware.DefaultRateLimitConfig().Idle,
		}))
	}

	opts := []api.Option{
		api.WithMetrics(s.metrics),
		api.WithConfigDefaults(s.applyDefaults),
	}
	if s.sim != nil {
		opts = append(opts, api.WithInjector(s.sim))
	}
	api.NewHandlers(s.manager, s.bus, s.logger.Named("api"), opts...).Register(router)

	router.GET("/events/stream", ws.NewHandler(s.bus, s.metrics, s.logger.Named("ws")).HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	return router
}

// applyDefaults fills daemon-wide settings into a path config. The monitor
// switches can only be enabled here, not disabled.
func (s *Server) applyDefaults(cfg *controller.Config) {
	if cfg.BufferCount == 0 {
		cfg.BufferCount = s.config.Pipeline.BufferCount
	}
	if s.config.Monitor.AutoRecover {
		cfg.AutoRecover = true
	}
	if s.config.Monitor.NotifyUnderflow {
		cfg.NotifyUnderflow = true
	}
}

// Handler returns the HTTP handler of the control surface
func (s *Server) Handler() http.Handler { return s.router }

// Manager returns the pipeline manager
func (s *Server) Manager() *controller.Manager { return s.manager }

// Bus returns the event bus
func (s *Server) Bus() *events.Bus { return s.bus }

func (s *Server) httpAddr() string {
	return net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
}

func (s *Server) grpcAddr() string {
	return net.JoinHostPort(s.config.Server.Host, s.config.Server.GRPCPort)
}

// Run serves until ctx is done, then tears every pipeline down
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := s.startBackground(ctx, g); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", s.grpcAddr())
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	g.Go(func() error { return s.health.Serve(ctx, lis) })

	srv := &http.Server{
		Addr:              s.httpAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := s.ApplyProfiles(ctx); err != nil {
		s.logger.Warn("Pipeline profiles not applied", zap.Error(err))
	}

	err = g.Wait()
	s.Close()
	return err
}

// startBackground starts the device clock, the metric watchers and the
// event consumers
func (s *Server) startBackground(ctx context.Context, g *errgroup.Group) error {
	if s.sim != nil {
		g.Go(func() error {
			s.sim.Run(ctx, s.config.Pipeline.FrameRate)
			return nil
		})
	}
	g.Go(func() error {
		s.metrics.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.metrics.WatchStats(ctx, statsInterval, s.manager.Stats)
		return nil
	})

	_, evs, err := s.bus.Subscribe(s.config.Events.SubscriberBuffer)
	if err != nil {
		return err
	}
	g.Go(func() error {
		s.countEvents(ctx, evs)
		return nil
	})

	if s.notifier != nil {
		_, hooks, err := s.bus.Subscribe(s.config.Events.SubscriberBuffer)
		if err != nil {
			return err
		}
		g.Go(func() error {
			s.notifier.Run(ctx, hooks)
			return nil
		})
	}
	return nil
}

func (s *Server) countEvents(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			s.metrics.RecordEvent(string(ev.Kind))
			if ev.Kind == events.KindErrorDetected {
				s.logger.Warn("Pipeline error",
					zap.Int("path", ev.Path),
					zap.String("reason", ev.Reason),
					zap.String("error", ev.Error))
			}
		}
	}
}

// ApplyProfiles initializes the pipelines of every profile found in the
// profile directory and runs their start commands. A failing path is logged
// and skipped.
func (s *Server) ApplyProfiles(ctx context.Context) error {
	dir := s.config.Pipeline.ProfileDir
	if dir == "" {
		return nil
	}
	profiles, err := config.LoadProfiles(dir)
	if err != nil {
		return err
	}

	for _, p := range profiles {
		cmds, err := p.Commands()
		if err != nil {
			s.logger.Warn("Skipping profile", zap.String("profile", p.Name), zap.Error(err))
			continue
		}
		for _, cfg := range p.Pipelines {
			s.applyDefaults(&cfg)
			log := s.logger.With(zap.String("profile", p.Name), zap.Int("path", cfg.Path))
			if err := s.manager.Init(ctx, cfg); err != nil {
				log.Error("Profile init failed", zap.Error(err))
				continue
			}
			for _, cmd := range cmds {
				if err := s.manager.Execute(ctx, cfg.Path, cmd); err != nil {
					log.Error("Profile start command failed", zap.String("command", string(cmd)), zap.Error(err))
					break
				}
			}
			log.Info("Profile applied", zap.String("file", p.File))
		}
	}
	return nil
}

// Close tears every pipeline down and releases the event and trace sinks
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Error("Pipeline shutdown failed", zap.Error(err))
	}
	s.bus.Close()
	s.tracer.Close()
	_ = s.logger.Sync()
}
