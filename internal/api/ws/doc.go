/*
Package ws streams pipeline events over websocket.

A client connects to /events/stream, optionally with ?path=N, and receives
one JSON frame per event:

	{"type": "event", "event": {"kind": "first_frame", "path": 0, ...}}

Clients may send:

	{"type": "ping"}                  answered with {"type": "pong"}
	{"type": "subscribe", "path": 1}  narrow the stream; omit path for all
	{"type": "stats"}                 events dropped by slow subscribers

A client that cannot keep up loses events rather than slowing the
pipelines; the bus counts the drops.
*/
package ws
