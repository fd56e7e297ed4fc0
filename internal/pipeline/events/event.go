package events

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/shared/id"
)

// Kind identifies an event delivered to the application layer
type Kind string

const (
	KindFirstFrame      Kind = "first_frame"
	KindSequenceChanged Kind = "sequence_changed"
	KindDisplayReady    Kind = "display_ready"
	KindErrorDetected   Kind = "error_detected"
	KindExit            Kind = "exit"
)

// Stats are the counters a pipeline reports while running and on exit
type Stats struct {
	SOFCount        uint64        `json:"sof_count"`
	FrameCount      uint64        `json:"frame_count"`
	SkipCount       uint64        `json:"skip_count"`
	MissCount       uint64        `json:"miss_count"`
	UnderflowCount  uint64        `json:"underflow_count"`
	OverrunCount    uint64        `json:"overrun_count"`
	RecoveryCount   uint64        `json:"recovery_count"`
	EscalationCount uint64        `json:"escalation_count"`
	BusyCount       uint64        `json:"busy_count"`
	ExhaustedCount  uint64        `json:"exhausted_count"`
	SOFIntervalMean time.Duration `json:"sof_interval_mean"`
	// SOFIntervalJitter is the standard deviation of SOF intervals
	SOFIntervalJitter time.Duration `json:"sof_interval_jitter"`
}

// Event is one notification from a pipeline
type Event struct {
	ID       id.EventID `json:"id"`
	Kind     Kind       `json:"kind"`
	Path     int        `json:"path"`
	Instance string     `json:"instance,omitempty"`
	Time     time.Time  `json:"time"`

	Buffer *ring.BufferID `json:"buffer,omitempty"`
	// Reason classifies ErrorDetected events
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Stats  *Stats `json:"stats,omitempty"`
}

// FirstFrame reports the first completed frame after Trigger
func FirstFrame(path int, buffer ring.BufferID) Event {
	return Event{Kind: KindFirstFrame, Path: path, Buffer: &buffer}
}

// SequenceChanged reports a new buffer promoted to the write engine
func SequenceChanged(path int, buffer ring.BufferID) Event {
	return Event{Kind: KindSequenceChanged, Path: path, Buffer: &buffer}
}

// DisplayReady reports that the downstream consumer was unmuted
func DisplayReady(path int) Event {
	return Event{Kind: KindDisplayReady, Path: path}
}

// ErrorDetected reports a failure seen after the fact
func ErrorDetected(path int, reason string, err error) Event {
	ev := Event{Kind: KindErrorDetected, Path: path, Reason: reason}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Exit carries the final statistics of a torn down pipeline
func Exit(path int, stats Stats) Event {
	return Event{Kind: KindExit, Path: path, Stats: &stats}
}

// Encode marshals an event to JSON
func Encode(ev Event) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Decode unmarshals a JSON event
func Decode(data []byte) (Event, error) {
	var ev Event
	err := sonic.Unmarshal(data, &ev)
	return ev, err
}
