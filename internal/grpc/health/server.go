package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zfett/vpipe/internal/infrastructure/tracing"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

// Service is the overall health service name; paths report under
// ServiceName(path)
const Service = "vpipe"

// DefaultInterval is how often path states are refreshed
const DefaultInterval = time.Second

// ServiceName returns the health service name of a display path
func ServiceName(path int) string {
	return fmt.Sprintf("%s.pipeline.%d", Service, path)
}

// Server serves grpc.health.v1 with one service per display path
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	manager  *controller.Manager
	logger   *zap.Logger
	interval time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithInterval sets how often path states are refreshed
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a health server over manager. tracer may be nil.
func New(manager *controller.Manager, tracer *tracing.Tracer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sopts []grpc.ServerOption
	if tracer != nil {
		sopts = append(sopts, grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)))
	}

	s := &Server{
		grpc:     grpc.NewServer(sopts...),
		health:   health.NewServer(),
		manager:  manager,
		logger:   logger,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Update()
	return s
}

// Status maps a controller to a serving status. A path is serving once its
// init completed, whatever the display state.
func Status(ctl *controller.Controller) healthpb.HealthCheckResponse_ServingStatus {
	if ctl == nil || !ctl.State().Live() || ctl.Incomplete() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Update refreshes every path status from the manager
func (s *Server) Update() {
	for p := 0; p < topology.MaxPaths; p++ {
		ctl, ok := s.manager.Get(p)
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = Status(ctl)
		}
		s.health.SetServingStatus(ServiceName(p), status)
	}
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
}

// Serve refreshes statuses and serves on lis until ctx is done
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Update()
		}
	}
}
