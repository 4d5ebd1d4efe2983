package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/metrics"
	"github.com/maumercado/senpuki/internal/notify"
)

// Hub fans out task/execution transitions to every connected dashboard
// client, sourced from notify.Bus's shared "events" channel.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan notify.Message
	register   chan *Client
	unregister chan *Client
	bus        notify.Bus
	mu         sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHub creates a new WebSocket hub fed by bus. bus may be nil, in which
// case the hub registers clients but never has anything to broadcast.
func NewHub(bus notify.Bus) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan notify.Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		stopCh:     make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	var msgCh <-chan notify.Message
	if h.bus != nil {
		ch, cancel, err := h.bus.SubscribeAll(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("websocket: failed to subscribe to events")
		} else {
			msgCh = ch
			defer cancel()
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case h.broadcast <- msg:
				default:
					logger.Warn().Msg("websocket: broadcast channel full, dropping message")
				}
			}
		}
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				h.closeAllClients()
				return
			case <-h.stopCh:
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				metrics.SetWebSocketConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("websocket: client registered")

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
				metrics.SetWebSocketConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("websocket: client unregistered")

			case msg := <-h.broadcast:
				h.broadcastMessage(msg)
			}
		}
	}()

	logger.Info().Msg("websocket: hub started")
}

// Stop stops the hub.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	logger.Info().Msg("websocket: hub stopped")
}

// Register registers a client with the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister unregisters a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg notify.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("websocket: failed to serialize message for broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.IsSubscribed(msg.Kind) {
			continue
		}
		select {
		case client.send <- data:
			metrics.RecordWebSocketMessage(msg.Kind)
		default:
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
