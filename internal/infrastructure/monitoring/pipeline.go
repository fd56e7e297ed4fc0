package monitoring

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
	"github.com/zfett/vpipe/internal/pipeline/monitor"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
)

var _ controller.Observer = (*Metrics)(nil)

func (m *Metrics) counterVec(c monitor.Counter) *prometheus.CounterVec {
	switch c {
	case monitor.CounterSOF:
		return m.SOF
	case monitor.CounterFrame:
		return m.Frames
	case monitor.CounterSkip:
		return m.Skipped
	case monitor.CounterMiss:
		return m.Misses
	case monitor.CounterUnderflow:
		return m.Underflows
	case monitor.CounterOverrun:
		return m.Overruns
	case monitor.CounterRecovery:
		return m.Recoveries
	case monitor.CounterEscalation:
		return m.Escalations
	case monitor.CounterBusy:
		return m.BusyFrames
	default:
		return nil
	}
}

// CounterAdded implements controller.Observer
func (m *Metrics) CounterAdded(path int, c monitor.Counter, n uint64) {
	if vec := m.counterVec(c); vec != nil {
		vec.WithLabelValues(strconv.Itoa(path)).Add(float64(n))
	}
}

// StateChanged implements controller.Observer
func (m *Metrics) StateChanged(path int, s controller.State) {
	m.ControllerState.WithLabelValues(strconv.Itoa(path)).Set(float64(s))
}

// BatchSubmitted implements controller.Observer
func (m *Metrics) BatchSubmitted(path int, p reconfig.Purpose, err error) {
	labels := []string{strconv.Itoa(path), p.String()}
	switch {
	case err == nil:
		m.BatchesSubmitted.WithLabelValues(labels...).Inc()
	case errors.Is(err, reconfig.ErrBusy):
		m.BatchesBusy.WithLabelValues(labels...).Inc()
	default:
		m.BatchErrors.WithLabelValues(labels...).Inc()
	}
}

// BatchCompleted implements controller.Observer
func (m *Metrics) BatchCompleted(path int, c reconfig.Completion) {
	if c.Err != nil {
		m.BatchErrors.WithLabelValues(strconv.Itoa(path), c.Purpose.String()).Inc()
		return
	}
	m.BatchLatency.WithLabelValues(c.Purpose.String()).Observe(c.Latency.Seconds())
}

// ObserveStats copies the gauges a controller only reports through Stats
func (m *Metrics) ObserveStats(path int, s events.Stats) {
	p := strconv.Itoa(path)
	m.BufferExhausted.WithLabelValues(p).Set(float64(s.ExhaustedCount))
	m.SOFIntervalMean.WithLabelValues(p).Set(s.SOFIntervalMean.Seconds())
	m.SOFIntervalJitter.WithLabelValues(p).Set(s.SOFIntervalJitter.Seconds())
}

// WatchStats polls stats every interval until ctx is done
func (m *Metrics) WatchStats(ctx context.Context, interval time.Duration, stats func() map[int]events.Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for path, s := range stats() {
				m.ObserveStats(path, s)
			}
		}
	}
}
