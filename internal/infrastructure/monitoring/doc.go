/*
Package monitoring provides Prometheus metrics for the pipeline daemon.

# Overview

Metrics implements controller.Observer, so every controller counter, state
change and batch outcome lands in a vector labelled by display path. Gauges
the controllers only expose through Stats (buffer exhaustion, SOF interval
statistics) are refreshed by WatchStats.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	go metrics.Run(ctx)
	go metrics.WatchStats(ctx, time.Second, manager.Stats)

	mgr := controller.NewManager(dev, logger,
		controller.WithControllerOptions(controller.WithObserver(metrics)))

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

# Metric names

All metrics live under the vpipe_ namespace, e.g. vpipe_sof_total{path="0"},
vpipe_batches_busy_total{path="0",purpose="address_update"},
vpipe_batch_latency_seconds{purpose="address_update"}.
*/
package monitoring
