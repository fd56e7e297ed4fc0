package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultHistorySize is used when NewHistory gets 0
const DefaultHistorySize = 1024

// History keeps the most recent events in a fixed-size ring
type History struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	n     int
}

// NewHistory creates a history holding up to size events
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Event, size)}
}

// Add appends an event, evicting the oldest when full
func (h *History) Add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = ev
		h.n++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained events
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Events returns retained events oldest first, filtered by match when set
func (h *History) Events(match func(Event) bool) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Event, 0, h.n)
	for i := 0; i < h.n; i++ {
		ev := h.buf[(h.start+i)%len(h.buf)]
		if match == nil || match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Export writes the retained events as zstd-compressed NDJSON and returns
// how many were written
func (h *History) Export(w io.Writer, match func(Event) bool) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}

	written := 0
	for _, ev := range h.Events(match) {
		line, err := Encode(ev)
		if err != nil {
			enc.Close()
			return written, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		line = append(line, '\n')
		if _, err := enc.Write(line); err != nil {
			enc.Close()
			return written, err
		}
		written++
	}
	return written, enc.Close()
}

// ForPath matches events of one pipeline path
func ForPath(path int) func(Event) bool {
	return func(ev Event) bool { return ev.Path == path }
}
