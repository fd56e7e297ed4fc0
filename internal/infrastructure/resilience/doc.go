/*
Package resilience provides a circuit breaker.

# Overview

The breaker guards actions that may keep failing: the overrun monitor's
automatic read-pointer recovery and webhook delivery of pipeline events.
When it opens, callers stop retrying and report an escalation instead.

# Usage

	breaker := resilience.New("overrun-0", resilience.Settings{
		Timeout: 5 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Breaker state", zap.String("to", to.String()))
		},
	})

	err := breaker.Execute(func() error {
		return recover()
	})

OnStateChange runs without the breaker lock held, so it may call back into
the breaker.

# States

	Closed --[ReadyToTrip]-> Open --[Timeout]-> Half-Open --[MaxRequests successes]-> Closed
	                                               |
	                                           [failure]
	                                               v
	                                             Open
*/
package resilience
