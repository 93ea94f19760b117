// Package livefeed pushes transcripts and status events to websocket clients.
package livefeed

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Message is the envelope written to clients.
type Message struct {
	Type       string                `json:"type"`
	Transcript *protocol.Transcript  `json:"transcript,omitempty"`
	Status     *protocol.StatusEvent `json:"status,omitempty"`
	State      *protocol.StatusInfo  `json:"state,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to connected clients. A client that falls behind by
// more than its send buffer is disconnected.
type Hub struct {
	log      *slog.Logger
	state    func() protocol.StatusInfo
	origins  map[string]bool
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. state, when set, is sent to each client on connect.
// Browser clients are accepted from the daemon's own origin and from
// allowedOrigins; "*" accepts any origin.
func NewHub(state func() protocol.StatusInfo, allowedOrigins []string, log *slog.Logger) *Hub {
	h := &Hub{
		log:     log.With(slog.String("component", "livefeed")),
		state:   state,
		origins: make(map[string]bool, len(allowedOrigins)),
		clients: make(map[*client]struct{}),
	}
	for _, o := range allowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			h.origins[strings.ToLower(o)] = true
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin requests and configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	if h.state != nil {
		st := h.state()
		c.send <- Message{Type: "state", State: &st}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()
	h.log.Debug("client connected", slog.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client input and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow feed client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Append forwards a transcript fragment to every client.
func (h *Hub) Append(_ context.Context, f transcript.Fragment) error {
	h.broadcast(Message{Type: "transcript", Transcript: &protocol.Transcript{
		SessionID: f.SessionID,
		Seq:       f.Seq,
		EngineID:  f.EngineID,
		Text:      f.Text,
		Timestamp: f.Timestamp,
	}})
	return nil
}

// Observe forwards a controller event to every client.
func (h *Hub) Observe(ev session.Event) {
	msg := status.ToMessage(ev)
	h.broadcast(Message{Type: "status", Status: &msg})
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
