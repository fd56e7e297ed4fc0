package ws

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/infrastructure/monitoring"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxMessage   = 4096

	// allPaths is the filter value of a stream that is not narrowed
	allPaths = -1
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // control clients run on other origins
	},
}

// Message is one frame of the event stream, in either direction
type Message struct {
	Type    string        `json:"type"`
	Path    *int          `json:"path,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	Message string        `json:"message,omitempty"`
	Dropped uint64        `json:"dropped,omitempty"`
}

// Handler streams pipeline events to websocket clients
type Handler struct {
	bus     *events.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger
	buffer  int
}

// NewHandler creates a new WebSocket handler. metrics may be nil.
func NewHandler(bus *events.Bus, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		buffer:  events.DefaultSubscriberBuffer,
	}
}

// conn is one client; only its write loop touches the websocket for writes
type conn struct {
	ws     *websocket.Conn
	path   atomic.Int64
	out    chan Message
	quit   chan struct{}
	logger *zap.Logger
}

// reply queues a message for the write loop, giving up once it has stopped
func (cl *conn) reply(msg Message) {
	select {
	case cl.out <- msg:
	case <-cl.quit:
	}
}

// HandleConnection upgrades the request and streams events until the client
// goes away. ?path=N narrows the stream to one display path; clients may
// change it later with a subscribe message.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter := allPaths
	if raw := c.Query("path"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path must be an integer"})
			return
		}
		filter = p
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	sid, evs, err := h.bus.Subscribe(h.buffer)
	if err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		return
	}
	defer func() { _ = h.bus.Unsubscribe(sid) }()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	cl := &conn{
		ws:     ws,
		out:    make(chan Message, 8),
		quit:   make(chan struct{}),
		logger: h.logger.With(zap.String("subscriber", sid.String())),
	}
	cl.path.Store(int64(filter))
	cl.logger.Info("Event stream connected", zap.Int("path", filter))

	cl.out <- Message{Type: "system", Message: "connected"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(cl)
	}()

	h.writeLoop(cl, evs, done)
	close(cl.quit)
	cl.logger.Info("Event stream closed")
}

// readLoop handles client messages until the connection fails
func (h *Handler) readLoop(cl *conn) {
	cl.ws.SetReadLimit(maxMessage)
	_ = cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	cl.ws.SetPongHandler(func(string) error {
		return cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			cl.reply(Message{Type: "error", Message: "malformed message"})
			continue
		}
		h.record("in", msg.Type)

		switch msg.Type {
		case "ping":
			cl.reply(Message{Type: "pong"})
		case "subscribe":
			path := allPaths
			if msg.Path != nil {
				path = *msg.Path
			}
			cl.path.Store(int64(path))
			cl.reply(Message{Type: "subscribed", Path: msg.Path})
		case "stats":
			st := h.bus.Stats()
			cl.reply(Message{Type: "stats", Dropped: st.Dropped})
		default:
			cl.reply(Message{Type: "error", Message: "unknown message type"})
		}
	}
}

// writeLoop is the only writer of the websocket
func (h *Handler) writeLoop(cl *conn, evs <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-cl.out:
			if err := h.send(cl, msg); err != nil {
				return
			}
		case ev, ok := <-evs:
			if !ok {
				_ = cl.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if p := cl.path.Load(); p != allPaths && int64(ev.Path) != p {
				continue
			}
			if err := h.send(cl, Message{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := cl.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(cl *conn, msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		cl.logger.Error("Encode stream message", zap.Error(err))
		return nil
	}
	_ = cl.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		cl.logger.Debug("WebSocket write failed", zap.Error(err))
		return err
	}
	h.record("out", msg.Type)
	return nil
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}
