package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

// MetricsSnapshot aggregates the daemon and per-path metrics
type MetricsSnapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Daemon    monitoring.Snapshot  `json:"daemon"`
	Events    events.BusStats      `json:"events"`
	Pipelines map[int]events.Stats `json:"pipelines"`
	Summary   MetricsSummary       `json:"summary"`
}

// MetricsSummary provides totals across every path
type MetricsSummary struct {
	ActivePipelines int     `json:"active_pipelines"`
	Frames          uint64  `json:"frames"`
	Skipped         uint64  `json:"skipped"`
	Underflows      uint64  `json:"underflows"`
	Overruns        uint64  `json:"overruns"`
	ErrorRate       float64 `json:"error_rate"`
}

// MetricsJSON returns a JSON view of the metrics for dashboards that do not
// scrape Prometheus
func (h *Handlers) MetricsJSON(c *gin.Context) {
	stats := h.manager.Stats()
	snap := MetricsSnapshot{
		Timestamp: time.Now(),
		Daemon:    h.metrics.Snapshot(),
		Events:    h.bus.Stats(),
		Pipelines: stats,
		Summary:   summarize(stats),
	}
	c.JSON(http.StatusOK, snap)
}

func summarize(stats map[int]events.Stats) MetricsSummary {
	var sum MetricsSummary
	for _, s := range stats {
		sum.ActivePipelines++
		sum.Frames += s.FrameCount
		sum.Skipped += s.SkipCount
		sum.Underflows += s.UnderflowCount
		sum.Overruns += s.OverrunCount
	}
	if total := sum.Frames + sum.Skipped; total > 0 {
		sum.ErrorRate = float64(sum.Skipped) / float64(total)
	}
	return sum
}
