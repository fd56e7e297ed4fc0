// Package middleware provides the HTTP middleware of the control surface.
//
// Middleware stack includes:
//   - CORS: Cross-origin resource sharing with configurable origins
//   - RateLimit: Per-IP token bucket rate limiting with idle client eviction
//   - GlobalRateLimit: One bucket shared by every client
//   - Logger: Request logging through zap, tagged with the trace id
//   - Recovery: Panic recovery with a JSON error response
//
// Example Usage:
//
//	router.Use(middleware.Recovery(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
