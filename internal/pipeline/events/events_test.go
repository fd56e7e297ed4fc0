package events

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/shared/id"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Close()

	_, a, err := bus.Subscribe(4)
	require.NoError(t, err)
	_, b, err := bus.Subscribe(4)
	require.NoError(t, err)

	sent := bus.Publish(DisplayReady(2))
	assert.True(t, id.IsValid(sent.ID.String()))
	assert.False(t, sent.Time.IsZero())

	for _, ch := range []<-chan Event{a, b} {
		got := <-ch
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, KindDisplayReady, got.Kind)
		assert.Equal(t, 2, got.Path)
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Close()

	slow, _, err := bus.Subscribe(1)
	require.NoError(t, err)
	fast, ch, err := bus.Subscribe(8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		bus.Publish(SequenceChanged(0, ring.BufferID(i)))
	}

	stats := bus.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, SubscriberStats{Sent: 1, Dropped: 2}, stats.Subscribers[slow])
	assert.Equal(t, SubscriberStats{Sent: 3}, stats.Subscribers[fast])
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Len(t, ch, 3)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(0, nil)

	sid, ch, err := bus.Subscribe(0)
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(sid))

	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, bus.Unsubscribe(sid), ErrSubscriberNotFound)
}

func TestBusClose(t *testing.T) {
	bus := NewBus(4, nil)
	_, ch, err := bus.Subscribe(1)
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	_, _, err = bus.Subscribe(1)
	assert.ErrorIs(t, err, ErrBusClosed)

	bus.Publish(DisplayReady(0))
	assert.Equal(t, 1, bus.History().Len(), "closed bus still records")
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Event{Kind: KindSequenceChanged, Path: i})
	}

	assert.Equal(t, 3, h.Len())
	got := h.Events(nil)
	require.Len(t, got, 3)
	for i, ev := range got {
		if ev.Path != i+2 {
			t.Errorf("event %d: expected path %d, got %d", i, i+2, ev.Path)
		}
	}

	assert.Len(t, h.Events(ForPath(4)), 1)
	assert.Empty(t, h.Events(ForPath(0)))
}

func TestHistoryExport(t *testing.T) {
	bus := NewBus(8, nil)
	bus.Publish(FirstFrame(0, 1))
	bus.Publish(ErrorDetected(1, "underflow", errors.New("write engine underflow")))
	bus.Publish(Exit(0, Stats{SOFCount: 120, FrameCount: 118, SkipCount: 2}))

	var out bytes.Buffer
	n, err := bus.History().Export(&out, ForPath(0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dec, err := zstd.NewReader(&out)
	require.NoError(t, err)
	defer dec.Close()

	var got []Event
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		ev, err := Decode(scanner.Bytes())
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 2)

	assert.Equal(t, KindFirstFrame, got[0].Kind)
	require.NotNil(t, got[0].Buffer)
	assert.Equal(t, ring.BufferID(1), *got[0].Buffer)

	assert.Equal(t, KindExit, got[1].Kind)
	require.NotNil(t, got[1].Stats)
	assert.Equal(t, uint64(118), got[1].Stats.FrameCount)
}

func TestErrorDetected(t *testing.T) {
	ev := ErrorDetected(3, "recovery_escalation", errors.New("overrun persists"))
	assert.Equal(t, "overrun persists", ev.Error)
	assert.Nil(t, ev.Buffer)

	ev = ErrorDetected(3, "sync_timeout", nil)
	assert.Empty(t, ev.Error)
}
