// Package config provides 12-factor configuration for the pipeline daemon.
//
// Daemon settings are loaded from environment variables with defaults.
// Display path configurations come from profile files.
//
// Configuration Sections:
//   - Server: HTTP and gRPC listeners
//   - Pipeline: buffer count, frame rate, simulation mode, profile directory
//   - Monitor: SOF and stop timeouts, miss escalation, recovery and alerts
//   - Events: event history and subscriber buffers
//   - Logging: log level and output format
//   - RateLimit: per-client rate limiting of the control API
//   - Notify: webhook delivery
//
// Profiles are YAML or TOML files found anywhere below VPIPE_PROFILE_DIR:
//
//	name: lobby-wall
//	start: [trigger, display]
//	pipelines:
//	  - path: 0
//	    in_width: 1920
//	    in_height: 1080
//	    sync_group: wall
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	profiles, err := config.LoadProfiles(cfg.Pipeline.ProfileDir)
package config
