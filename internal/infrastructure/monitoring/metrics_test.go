package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
	"github.com/zfett/vpipe/internal/pipeline/monitor"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
)

func TestObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CounterAdded(0, monitor.CounterSOF, 3)
	m.CounterAdded(0, monitor.CounterSOF, 2)
	m.CounterAdded(1, monitor.CounterOverrun, 1)
	m.StateChanged(1, controller.StateDisplaying)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.SOF.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Overruns.WithLabelValues("1")))
	assert.Equal(t, float64(controller.StateDisplaying), testutil.ToFloat64(m.ControllerState.WithLabelValues("1")))

	p := reconfig.PurposeAddressUpdate
	m.BatchSubmitted(0, p, nil)
	m.BatchSubmitted(0, p, reconfig.ErrBusy)
	m.BatchSubmitted(0, p, errors.New("flush"))
	m.BatchCompleted(0, reconfig.Completion{Purpose: p, Err: errors.New("timeout")})
	m.BatchCompleted(0, reconfig.Completion{Purpose: p, Latency: 16 * time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesSubmitted.WithLabelValues("0", "address_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesBusy.WithLabelValues("0", "address_update")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchErrors.WithLabelValues("0", "address_update")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BatchLatency))
}

func TestObserveStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveStats(2, events.Stats{ExhaustedCount: 4, SOFIntervalMean: 16 * time.Millisecond})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.BufferExhausted.WithLabelValues("2")))
	assert.InDelta(t, 0.016, testutil.ToFloat64(m.SOFIntervalMean.WithLabelValues("2")), 1e-9)
}

func TestMiddlewareAndSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/pipelines/:path", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, p := range []string{"/pipelines/0", "/pipelines/1"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/pipelines/:path", "404")))

	m.RecordEvent("first_frame")
	m.IncWSConnections()
	m.RecordWebhook("failed")
	m.RecordWebhook("ok")

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(2), s.TotalErrors)
	assert.Equal(t, int64(1), s.EventsPublished)
	assert.Equal(t, int64(1), s.ActiveStreams)
	assert.Equal(t, int64(1), s.WebhookFailures)
}
