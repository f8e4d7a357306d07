// Package web streams archive events to gallery clients over WebSocket.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"filmarchive/internal/pipeline"
)

const (
	EventImageChanged = "image-changed"
	EventRunCompleted = "run-completed"
)

// Event is one message on the /api/events stream.
type Event struct {
	Type      string         `json:"type"`
	ImageID   string         `json:"image_id,omitempty"`
	Field     string         `json:"field,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Status    string         `json:"status,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub fans events out to every connected WebSocket client. All client
// bookkeeping happens on the Run goroutine.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
	log        *slog.Logger
}

// NewHub creates a hub; call Run before serving clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			// the gallery is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 32),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish queues ev for every client. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("cannot encode event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// ImageChanged publishes an image-changed event.
func (h *Hub) ImageChanged(imageID, field string) {
	h.Publish(Event{Type: EventImageChanged, ImageID: imageID, Field: field})
}

// Follow publishes a run-completed event for every result of p until ctx is
// done.
func (h *Hub) Follow(ctx context.Context, p *pipeline.Pipeline) {
	results, unsubscribe := p.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			status := "completed"
			if res.Error != nil {
				status = "failed"
			}
			h.Publish(Event{
				Type:   EventRunCompleted,
				RunID:  res.Job.ID,
				Kind:   string(res.Job.Kind),
				Status: status,
				Stats:  res.Stats,
			})
		}
	}
}

// ServeHTTP upgrades the request and registers the connection. Incoming
// messages are read and discarded so close frames are noticed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	// deadlines inherited from the http.Server would cut long-lived streams
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
