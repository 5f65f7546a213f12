// Package feed serves transcript and status frames to a local overlay
// renderer over WebSocket. The renderer itself is out of scope; this hub
// is the boundary contract.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
	"github.com/ArpitJ1993/CHEATS-APP/internal/meeting"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	clientBuffer   = 32
)

// transcriptFrame is the wire shape of one caption update.
type transcriptFrame struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Partial   bool   `json:"partial"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// statusFrame is the wire shape of one orchestration status update.
type statusFrame struct {
	Type            string `json:"type"`
	Microphone      string `json:"microphone"`
	SystemAudio     string `json:"systemAudio"`
	CaptureStrategy string `json:"captureStrategy,omitempty"`
}

// Hub fans frames out to every connected overlay client. It implements
// meeting.Sink; frame producers never block on a slow client.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	srv *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed binds to loopback; the overlay connects from a
			// local renderer with an arbitrary Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     logging.L("feed"),
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the upgrade endpoint.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.serveWS)
}

// ListenAndServe serves the feed on addr until the context ends.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/feed", h.Handler())

	h.mu.Lock()
	h.srv = &http.Server{Handler: mux}
	srv := h.srv
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	h.log.Info("feed listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close disconnects every client and stops the server.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	srv := h.srv
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.Any(logging.KeyError, err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("overlay connected", slog.String("remote", conn.RemoteAddr().String()), slog.Int("clients", n))

	go c.writePump()
	go h.readPump(c)
}

// readPump discards inbound messages; the feed is one-way. Its real job
// is servicing pongs and noticing the peer going away.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		c.close()
	}
	c.conn.Close()
}

// broadcast queues a frame on every client. Clients whose buffers are
// full lose the frame; captions are latest-wins and a stalled overlay
// must not stall the meeting.
func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Debug("client buffer full, dropping frame")
		}
	}
}

// OnTranscript implements meeting.Sink.
func (h *Hub) OnTranscript(ev meeting.TranscriptEvent) {
	frame := transcriptFrame{
		Type:      "transcript",
		Role:      string(ev.Role),
		Text:      ev.Text,
		Partial:   ev.Partial,
		Timestamp: ev.Time.UnixMilli(),
	}
	if ev.HasLatency {
		frame.LatencyMs = ev.Latency.Milliseconds()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Warn("marshal transcript frame", slog.Any(logging.KeyError, err))
		return
	}
	h.broadcast(data)
}

// OnStatus implements meeting.Sink.
func (h *Hub) OnStatus(status meeting.Status) {
	data, err := json.Marshal(statusFrame{
		Type:            "status",
		Microphone:      status.Microphone.State,
		SystemAudio:     status.SystemAudio.State,
		CaptureStrategy: status.CaptureStrategy,
	})
	if err != nil {
		h.log.Warn("marshal status frame", slog.Any(logging.KeyError, err))
		return
	}
	h.broadcast(data)
}
