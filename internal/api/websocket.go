package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/runner"
)

const (
	writeWait      = 5 * time.Second
	hubBufferSize  = 256
	clientReadSize = 512
)

// Hub fans runner events out to websocket subscribers. A subscriber that
// connects with ?session=<id> only receives that session's events.
type Hub struct {
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	broadcast chan runner.Event

	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn → session filter ("" = all)
}

func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger.Named("ws"),
		broadcast: make(chan runner.Event, hubBufferSize),
		clients:   make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// Publish queues an event for delivery. It never blocks the runner: when the
// buffer is full the event is dropped and logged.
func (h *Hub) Publish(ev runner.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("event dropped, hub buffer full", zap.String("run_id", ev.RunID), zap.String("type", ev.Type))
	}
}

// Run delivers queued events until ctx is cancelled, then closes every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev runner.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, session := range h.clients {
		if session != "" && session != ev.SessionID {
			continue
		}
		// Deadline keeps a stalled client from blocking the hub
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe upgrades the request and registers the connection.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(clientReadSize)

	session := c.Query("session")
	h.mu.Lock()
	h.clients[conn] = session
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("session", session), zap.Int("clients", total))

	// Push-only stream; reading detects disconnects
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket closed", zap.Error(err))
				}
				return
			}
		}
	}()
}
