/*
Package http implements the REST control surface of the pipeline daemon.

# Routes

	POST   /pipelines/:path/init        body: controller.Config
	POST   /pipelines/:path/reconfigure body: controller.Config, 202 once submitted
	POST   /pipelines/:path/{trigger,display,pause,resume,reset,deinit}
	GET    /pipelines                   every initialized path
	GET    /pipelines/:path             controller snapshot
	GET    /pipelines/:path/stats       running statistics
	GET    /pipelines/:path/buffer      currently displayable buffer
	GET    /pipelines/:path/buffers     every ring buffer
	POST   /pipelines/:path/buffers     attach, body: {"addr": ...}
	DELETE /pipelines/:path/buffers/:id detach
	POST   /pipelines/:path/consumer/:id hand a buffer to the consumer
	GET    /events                      retained events, ?path= &kind=
	GET    /events/export               the same as zstd NDJSON
	GET    /metrics/json                aggregated metrics
	POST   /sim/:path/{underflow,overrun} simulated devices only

# Errors

Failures answer {"success": false, "error": "..."} with a status derived
from the error by StatusOf: invalid transitions and incomplete inits are
409, bad configs and topology faults 400, a pending batch 429, stage faults
502 and unknown paths 404.
*/
package http
