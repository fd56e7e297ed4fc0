package monitoring

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vpipe"

// Metrics holds all Prometheus metrics of the daemon
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Controller commands, labelled by command
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Pipeline counters, labelled by path
	SOF         *prometheus.CounterVec
	Frames      *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	Underflows  *prometheus.CounterVec
	Overruns    *prometheus.CounterVec
	Recoveries  *prometheus.CounterVec
	Escalations *prometheus.CounterVec
	BusyFrames  *prometheus.CounterVec

	// Reconfiguration batches, labelled by path and purpose
	BatchesSubmitted *prometheus.CounterVec
	BatchesBusy      *prometheus.CounterVec
	BatchErrors      *prometheus.CounterVec
	BatchLatency     *prometheus.HistogramVec

	// Pipeline gauges, labelled by path
	ControllerState   *prometheus.GaugeVec
	BufferExhausted   *prometheus.GaugeVec
	SOFIntervalMean   *prometheus.GaugeVec
	SOFIntervalJitter *prometheus.GaugeVec

	// Event delivery
	EventsPublished   *prometheus.CounterVec
	WSConnections     prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON API
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	ActiveStreams   int64   `json:"active_streams"`
	EventsPublished int64   `json:"events_published"`
	WebhookFailures int64   `json:"webhook_failures"`
	UptimeSeconds   float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewMetrics registers every metric with reg. Pass
// prometheus.DefaultRegisterer to serve them from promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	byPath := []string{"path"}
	byPurpose := []string{"path", "purpose"}

	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, byPath)
	}

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: counter("http_requests_total", "Total number of control API requests", []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Control API request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		CommandsTotal: counter("commands_total", "Controller commands issued", []string{"command", "result"}),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time to execute a controller command",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
			[]string{"command"},
		),

		SOF:         counter("sof_total", "Start-of-frame events handled", byPath),
		Frames:      counter("frames_total", "Frames completed by the write engines", byPath),
		Skipped:     counter("skipped_frames_total", "Frames skipped by overrun recovery", byPath),
		Misses:      counter("sof_misses_total", "SOF waits that timed out", byPath),
		Underflows:  counter("underflows_total", "Underflow events", byPath),
		Overruns:    counter("overruns_total", "Overrun events", byPath),
		Recoveries:  counter("recoveries_total", "Automatic overrun recoveries", byPath),
		Escalations: counter("escalations_total", "Recoveries escalated to the application", byPath),
		BusyFrames:  counter("busy_frames_total", "Frames whose address update was still pending", byPath),

		BatchesSubmitted: counter("batches_submitted_total", "Reconfiguration batches flushed", byPurpose),
		BatchesBusy:      counter("batches_busy_total", "Submissions refused while a batch was pending", byPurpose),
		BatchErrors:      counter("batch_errors_total", "Batches that failed after flush", byPurpose),
		BatchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_latency_seconds",
				Help:      "Time from flush to completion of a reconfiguration batch",
				Buckets:   []float64{.001, .004, .008, .017, .033, .05, .1, .25, .5},
			},
			[]string{"purpose"},
		),

		ControllerState:   gauge("controller_state", "Lifecycle state of the path controller"),
		BufferExhausted:   gauge("buffer_exhausted", "Ring wraps onto a buffer still held by the consumer"),
		SOFIntervalMean:   gauge("sof_interval_mean_seconds", "Mean interval between SOF events"),
		SOFIntervalJitter: gauge("sof_interval_jitter_seconds", "Standard deviation of SOF intervals"),

		EventsPublished: counter("events_published_total", "Pipeline events published", []string{"kind"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open event stream connections",
		}),
		WSMessages:        counter("ws_messages_total", "Event stream messages", []string{"direction", "type"}),
		WebhookDeliveries: counter("webhook_deliveries_total", "Webhook delivery attempts", []string{"status"}),

		Uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		}),
	}
}

// Run updates the uptime gauge until ctx is done
func (m *Metrics) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		}
	}
}

// RecordHTTPRequest records a control API request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status >= 400 {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordCommand records one controller command outcome
func (m *Metrics) RecordCommand(command string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordEvent counts a published pipeline event
func (m *Metrics) RecordEvent(kind string) {
	m.EventsPublished.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.EventsPublished++
	m.mu.Unlock()
}

// RecordWSMessage records an event stream message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments open event streams
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveStreams++
	m.mu.Unlock()
}

// DecWSConnections decrements open event streams
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveStreams--
	m.mu.Unlock()
}

// RecordWebhook records one webhook delivery outcome
func (m *Metrics) RecordWebhook(status string) {
	m.WebhookDeliveries.WithLabelValues(status).Inc()
	if status != "ok" {
		m.mu.Lock()
		m.snapshot.WebhookFailures++
		m.mu.Unlock()
	}
}

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgLatencyMs = s.totalDuration / float64(s.TotalRequests) * 1000
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
