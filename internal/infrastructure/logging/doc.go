// Package logging builds the zap loggers used across the daemon.
//
// Two modes:
//   - Production: JSON output, millisecond durations, no stack traces below Error
//   - Development: colored console output
//
// Components never log through a global; each receives a *zap.Logger and
// derives children with Named or With:
//
//	logger := logging.NewDefault()
//	ctl := controller.New(0, dev, logger.Named("pipeline"))
//	logger.Info("Listening", zap.String("addr", addr))
package logging
