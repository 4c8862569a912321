package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/stake-engine/internal/metrics"
	"github.com/atmx/stake-engine/internal/model"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// eventSub is one connected client and the event types it asked for.
// An empty filter subscribes to everything.
type eventSub struct {
	conn  *websocket.Conn
	types map[string]bool
}

func (s *eventSub) wants(typ string) bool {
	return len(s.types) == 0 || s.types[typ]
}

type encodedEvent struct {
	typ  string
	data []byte
}

// WSHub fans engine and token events out to subscribed WebSocket clients.
type WSHub struct {
	subs       map[*websocket.Conn]*eventSub
	broadcast  chan encodedEvent
	register   chan *eventSub
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

func NewWSHub() *WSHub {
	return &WSHub{
		subs:       make(map[*websocket.Conn]*eventSub),
		broadcast:  make(chan encodedEvent, 256),
		register:   make(chan *eventSub),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Subscribers reports the number of connected clients.
func (h *WSHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Run starts the hub's event loop and returns when ctx is cancelled, closing
// every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
				delete(h.subs, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub.conn] = sub
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Debug("event subscriber connected", "total", total, "types", len(sub.types))

		case conn := <-h.unregister:
			h.drop(conn)

		case evt := <-h.broadcast:
			h.fanOut(evt)
		}
	}
}

func (h *WSHub) fanOut(evt encodedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.subs {
		if !sub.wants(evt.typ) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, evt.data); err != nil {
			conn.Close()
			delete(h.subs, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		conn.Close()
	}
	total := len(h.subs)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Emit queues evt for every connected client. It never blocks the caller:
// events are dropped when the buffer is full.
func (h *WSHub) Emit(evt model.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- encodedEvent{typ: evt.Type, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, event dropped", "type", evt.Type, "id", evt.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional types query parameter is
// a comma-separated list of event types, e.g. ?types=stake.deposited,stake.withdrawn.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	types := parseEventTypes(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &eventSub{conn: conn, types: types}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.subs[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}()
}

func parseEventTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}
