// Package relay implements the chat relay: a WebSocket server that forwards
// every well-formed message to all other connected clients.
package relay

import (
	"io"
	"log/slog"
	"sync"
)

// Client represents a connected client.
type Client struct {
	Addr     string
	Outgoing chan []byte
}

// NewClient creates a client with the standard outgoing buffer.
func NewClient(addr string) *Client {
	return &Client{
		Addr:     addr,
		Outgoing: make(chan []byte, 10),
	}
}

// Hub manages all connected clients and handles broadcast.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewHub creates a new Hub. A nil logger discards output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub. Once it returns, Broadcast no
// longer touches the client's channel, so the caller may close it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues data for every client except sender and returns how many
// clients it was queued for. Clients whose buffer is full are skipped.
func (h *Hub) Broadcast(data []byte, sender *Client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		if client == sender {
			continue
		}
		select {
		case client.Outgoing <- data:
			delivered++
		default:
			h.logger.Warn("client buffer full, skipping", "client", client.Addr)
		}
	}
	return delivered
}
