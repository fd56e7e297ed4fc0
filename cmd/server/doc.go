// Package main is the entry point of vpiped, the video pipeline daemon.
//
// The daemon owns the display paths of one device and exposes them to the
// application layer:
//
//	Application → REST / websocket / webhook → vpiped → Device
//	Orchestrator → gRPC health → vpiped
//
// The server provides:
//   - REST commands for every pipeline lifecycle step
//   - A websocket event stream and zstd event export
//   - Prometheus metrics and gRPC health checks
//   - Pipeline profiles applied at startup
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Simulated device, profiles from ./profiles
//	./vpiped -profiles ./profiles
//
//	# Development mode (colored logs, debug level)
//	./vpiped -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
