package websocket

import (
	"log/slog"
	"sync"

	"sonata/types"
)

// Hub manages the set of observer connections and fans coordinator events
// out to all of them. It satisfies the coordinator's event sink.
type Hub interface {
	Run()
	Publish(ev types.Event)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
}

type hub struct {
	clients map[*Client]bool

	broadcast  chan types.Event
	register   chan *Client
	unregister chan *Client

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates an observer hub. Call Run on its own goroutine.
func NewHub(logger *slog.Logger) Hub {
	return &hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan types.Event, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run starts the hub's main event loop.
func (h *hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("observer connected", "observer", client.id, "observers", h.count())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("observer disconnected", "observer", client.id, "observers", h.count())

		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					// A stalled observer loses its connection, not the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish hands an event to the hub without ever blocking the caller.
func (h *hub) Publish(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("observer broadcast channel full, dropping event", "type", ev.Type)
	}
}

// RegisterClient adds a connection to the observer pool.
func (h *hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient removes a connection from the observer pool.
func (h *hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
