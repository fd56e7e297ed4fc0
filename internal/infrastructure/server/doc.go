/*
Package server wires the pipeline daemon together.

New builds, from a config.Config, the device (simulated unless one is
given), the event bus, metrics, tracer, the controller manager, the optional
webhook notifier and the gRPC health server, and mounts the HTTP routes:

	/pipelines/...     REST control surface (internal/api/http)
	/events/stream     websocket event stream (internal/api/ws)
	/metrics           Prometheus exposition

Run serves HTTP and gRPC, drives the simulated SOF clock, applies the
pipeline profiles and, once its context ends, tears every pipeline down.
*/
package server
