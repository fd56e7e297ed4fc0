/*
Package tracing provides lightweight command tracing for the pipeline daemon.

# Overview

Every controller command and every control API request runs in a span. Spans
carry ULID trace and span ids, nest through context.Context, and are logged
through zap by a buffered collector once finished.

# Usage

	tracer := tracing.New("vpiped", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "pipeline.trigger")
	span.SetTag("path", "0")
	err := ctl.Trigger(ctx)
	span.SetError(err)
	span.Finish()
	tracer.Submit(span)

# Propagation

Clients continue a trace by sending X-Trace-ID and X-Span-ID headers (or the
lower-case gRPC metadata keys). Responses echo the ids of the request span.

# Overhead

The collector buffers 1000 spans; when it falls behind, new spans are dropped
with a warning rather than blocking the command path.
*/
package tracing
