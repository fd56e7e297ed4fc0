package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/shared/id"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus
	ErrBusClosed = errors.New("event bus closed")
	// ErrSubscriberNotFound is returned when unsubscribing an unknown id
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// DefaultSubscriberBuffer is the channel size used when Subscribe gets 0
const DefaultSubscriberBuffer = 64

// BusStats is a snapshot of delivery counters
type BusStats struct {
	Published   uint64                              `json:"published"`
	Sent        uint64                              `json:"sent"`
	Dropped     uint64                              `json:"dropped"`
	Subscribers map[id.SubscriberID]SubscriberStats `json:"subscribers"`
}

// SubscriberStats tracks delivery to one subscriber
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber whose channel is full misses the event and its drop counter
// grows. Published events are also kept in the bus History.
type Bus struct {
	logger  *zap.Logger
	history *History

	mu     sync.RWMutex
	subs   map[id.SubscriberID]*subscriber
	closed bool

	published atomic.Uint64
}

// NewBus creates a bus retaining up to historySize events
func NewBus(historySize int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:  logger,
		history: NewHistory(historySize),
		subs:    make(map[id.SubscriberID]*subscriber),
	}
}

// Subscribe registers a new subscriber. The channel is closed on
// Unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) (id.SubscriberID, <-chan Event, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", nil, ErrBusClosed
	}
	sid := id.NewSubscriberID()
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[sid] = sub

	b.logger.Debug("Subscriber added", zap.String("subscriber", sid.String()), zap.Int("buffer", buffer))
	return sid, sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(sid id.SubscriberID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[sid]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, sid)
	close(sub.ch)
	return nil
}

// Publish stamps the event and delivers it to every subscriber with room.
// Publishing on a closed bus only records the event.
func (b *Bus) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = id.NewEventID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.published.Add(1)
	b.history.Add(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sid, sub := range b.subs {
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("Subscriber too slow, dropping events",
					zap.String("subscriber", sid.String()),
					zap.String("kind", string(ev.Kind)))
			}
		}
	}
	return ev
}

// History returns the retained events
func (b *Bus) History() *History { return b.history }

// Stats returns delivery counters
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		Published:   b.published.Load(),
		Subscribers: make(map[id.SubscriberID]SubscriberStats, len(b.subs)),
	}
	for sid, sub := range b.subs {
		s := SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		stats.Sent += s.Sent
		stats.Dropped += s.Dropped
		stats.Subscribers[sid] = s
	}
	return stats
}

// Close closes every subscriber channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sid, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sid)
	}
}
