package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/infrastructure/resilience"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

// ErrDisabled is returned by New when no URL is configured
var ErrDisabled = errors.New("webhook disabled")

// Delivery outcomes recorded in metrics
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Config configures a webhook notifier
type Config struct {
	URL     string
	Retries int
	Timeout time.Duration
	// RetryWait is the minimum wait between attempts
	RetryWait time.Duration
	// Kinds limits the delivered events; empty delivers every kind
	Kinds []events.Kind
	// RateLimit caps deliveries per second; zero is unlimited
	RateLimit float64
}

// Notifier POSTs pipeline events to the application layer
type Notifier struct {
	cfg     Config
	client  *retryablehttp.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// New creates a notifier. metrics may be nil.
func New(cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 200 * time.Millisecond
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = cfg.RetryWait
	client.RetryWaitMax = 10 * cfg.RetryWait
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveled{logger.Named("http").Sugar()}
	// the last response is returned so its status can be reported
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	breaker := resilience.New("webhook", resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Webhook breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Notifier{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RateLimit))),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Wants reports whether ev passes the kind filter
func (n *Notifier) Wants(ev events.Event) bool {
	return len(n.cfg.Kinds) == 0 || slices.Contains(n.cfg.Kinds, ev.Kind)
}

// Breaker returns the circuit breaker guarding deliveries
func (n *Notifier) Breaker() *resilience.Breaker { return n.breaker }

// Notify delivers one event. Events outside the kind filter are ignored.
func (n *Notifier) Notify(ctx context.Context, ev events.Event) error {
	if !n.Wants(ev) {
		return nil
	}
	if !n.limiter.Allow() {
		n.record(StatusDropped)
		n.logger.Debug("Webhook rate limited", zap.String("event", ev.ID.String()))
		return nil
	}

	body, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = n.breaker.Execute(func() error { return n.post(ctx, ev, body) })
	switch {
	case err == nil:
		n.record(StatusOK)
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		n.record(StatusDropped)
	default:
		n.record(StatusFailed)
		n.logger.Warn("Webhook delivery failed",
			zap.String("event", ev.ID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Int("path", ev.Path),
			zap.Error(err))
	}
	return err
}

func (n *Notifier) post(ctx context.Context, ev events.Event, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Event-Kind", string(ev.Kind))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Run delivers every event from evs until the channel closes or ctx is done
func (n *Notifier) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			_ = n.Notify(ctx, ev)
		}
	}
}

func (n *Notifier) record(status string) {
	if n.metrics != nil {
		n.metrics.RecordWebhook(status)
	}
}

// leveled adapts zap to retryablehttp.LeveledLogger
type leveled struct{ s *zap.SugaredLogger }

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
