/*
Package events delivers pipeline notifications to the application layer.

Controllers publish FirstFrame, SequenceChanged, DisplayReady, ErrorDetected
and Exit events on a Bus. Publishing never blocks: a subscriber that falls
behind loses events and its drop counter grows. The bus keeps the latest
events in a History that can be exported as zstd-compressed NDJSON.

	bus := events.NewBus(1024, logger)
	sid, ch, _ := bus.Subscribe(32)
	defer bus.Unsubscribe(sid)

	for ev := range ch {
		...
	}
*/
package events
