// Package notify delivers pipeline events to the application layer over an
// HTTP webhook.
//
// Deliveries go through a retrying transport and a circuit breaker. While the
// breaker is open events are dropped and counted rather than queued, so a
// dead receiver never backs up the event bus.
//
//	n, err := notify.New(notify.Config{URL: url, Retries: 3}, metrics, logger)
//	_, evs, _ := bus.Subscribe(0)
//	go n.Run(ctx, evs)
package notify
