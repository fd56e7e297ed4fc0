package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

type stream struct {
	t   *testing.T
	bus *events.Bus
	m   *monitoring.Metrics
	url string
}

func newStream(t *testing.T) *stream {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(16, nil)
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.GET("/events/stream", NewHandler(bus, m, zap.NewNop()).HandleConnection)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		bus.Close()
	})
	return &stream{t: t, bus: bus, m: m, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream"}
}

func (s *stream) dial(query string) *websocket.Conn {
	s.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+query, nil)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })

	msg := read(s.t, conn)
	require.Equal(s.t, "system", msg.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestStreamDeliversEvents(t *testing.T) {
	s := newStream(t)
	conn := s.dial("")

	s.bus.Publish(events.FirstFrame(1, 2))
	msg := read(t, conn)
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.KindFirstFrame, msg.Event.Kind)
	assert.Equal(t, 1, msg.Event.Path)
	assert.NotEmpty(t, msg.Event.ID)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.m.WSConnections))
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.m.WSMessages.WithLabelValues("out", "event")), float64(1))
}

func TestStreamPathFilter(t *testing.T) {
	s := newStream(t)
	conn := s.dial("?path=0")

	s.bus.Publish(events.DisplayReady(3))
	s.bus.Publish(events.DisplayReady(0))
	msg := read(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, 0, msg.Event.Path)

	write(t, conn, `{"type": "subscribe", "path": 3}`)
	ack := read(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	require.NotNil(t, ack.Path)
	assert.Equal(t, 3, *ack.Path)

	s.bus.Publish(events.DisplayReady(0))
	s.bus.Publish(events.Exit(3, events.Stats{FrameCount: 5}))
	msg = read(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.KindExit, msg.Event.Kind)
}

func TestStreamControlMessages(t *testing.T) {
	s := newStream(t)
	conn := s.dial("")

	write(t, conn, `{"type": "ping"}`)
	assert.Equal(t, "pong", read(t, conn).Type)

	write(t, conn, `{"type": "warp"}`)
	msg := read(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "unknown message type", msg.Message)

	write(t, conn, `not json`)
	assert.Equal(t, "malformed message", read(t, conn).Message)

	write(t, conn, `{"type": "stats"}`)
	assert.Equal(t, "stats", read(t, conn).Type)
}

func TestStreamBadPath(t *testing.T) {
	s := newStream(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?path=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestStreamClosesWithBus(t *testing.T) {
	s := newStream(t)
	conn := s.dial("")

	s.bus.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(s.m.WSConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
