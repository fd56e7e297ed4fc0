package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

// Version is reported by the root endpoint
const Version = "0.3.0"

// Injector fakes hardware faults on a simulated device
type Injector interface {
	InjectUnderflow(path int)
	InjectOverrun(path int)
}

// Handlers contains all HTTP handlers of the control surface
type Handlers struct {
	manager  *controller.Manager
	bus      *events.Bus
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	defaults func(*controller.Config)
	injector Injector
}

// Option configures Handlers
type Option func(*Handlers)

// WithMetrics records command outcomes and serves /metrics/json
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Handlers) { h.metrics = m }
}

// WithConfigDefaults fills fields a client left empty in an init request
func WithConfigDefaults(fn func(*controller.Config)) Option {
	return func(h *Handlers) { h.defaults = fn }
}

// WithInjector enables the /sim fault injection routes
func WithInjector(inj Injector) Option {
	return func(h *Handlers) { h.injector = inj }
}

// NewHandlers creates a new handler set
func NewHandlers(manager *controller.Manager, bus *events.Bus, logger *zap.Logger, opts ...Option) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{manager: manager, bus: bus, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	p := r.Group("/pipelines")
	p.GET("", h.ListPipelines)
	p.GET("/:path", h.GetPipeline)
	p.GET("/:path/stats", h.GetStats)
	p.POST("/:path/init", h.InitPipeline)
	p.POST("/:path/reconfigure", h.ReconfigurePipeline)
	for _, cmd := range controller.Commands() {
		if cmd == controller.CmdInit {
			continue
		}
		p.POST("/:path/"+string(cmd), h.command(cmd))
	}

	p.GET("/:path/buffer", h.GetDisplayable)
	p.GET("/:path/buffers", h.ListBuffers)
	p.POST("/:path/buffers", h.AttachBuffer)
	p.DELETE("/:path/buffers/:id", h.DetachBuffer)
	p.POST("/:path/consumer/:id", h.HandToConsumer)

	r.GET("/events", h.ListEvents)
	r.GET("/events/export", h.ExportEvents)

	if h.metrics != nil {
		r.GET("/metrics/json", h.MetricsJSON)
	}
	if h.injector != nil {
		r.POST("/sim/:path/underflow", h.InjectUnderflow)
		r.POST("/sim/:path/overrun", h.InjectOverrun)
	}
}

// Root reports the service identity
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "vpiped",
		"version": Version,
	})
}

// Health reports the daemon as healthy with a summary of every path
func (h *Handlers) Health(c *gin.Context) {
	infos := h.manager.List()
	states := make(map[string]string, len(infos))
	for _, info := range infos {
		states[strconv.Itoa(info.Path)] = info.State.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"pipelines": states,
		"events":    h.bus.Stats(),
	})
}

// pathParam parses the :path parameter, answering 400 on failure
func pathParam(c *gin.Context) (int, bool) {
	path, err := strconv.Atoi(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "path must be an integer",
		})
		return 0, false
	}
	return path, true
}

// lookup returns the controller of :path, answering 404 when it is unknown
func (h *Handlers) lookup(c *gin.Context) (*controller.Controller, bool) {
	path, ok := pathParam(c)
	if !ok {
		return nil, false
	}
	ctl, ok := h.manager.Get(path)
	if !ok {
		h.fail(c, controller.ErrUnknownPath)
		return nil, false
	}
	return ctl, true
}
