// Package hub fans voice events out to websocket clients over a
// channel-based broadcast loop. One goroutine owns the client set; slow
// clients are dropped rather than allowed to stall the session.
package hub

import (
	"context"
	"encoding/json"

	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/voice"
)

// Hub maintains the set of connected clients and broadcasts event
// payloads to them.
type Hub struct {
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
}

// New creates a hub. Run must be started before clients connect.
func New() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until the context ends. All registration and
// fan-out happens on this goroutine, so clients and broadcasters never
// share a lock.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			log.Debug("event client connected", "clients", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			log.Debug("event client disconnected", "clients", len(clients))

		case payload := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- payload:
				default:
					// The client's buffer is full; it is too slow to keep.
					close(c.send)
					delete(clients, c)
					log.Warn("dropped slow event client", "clients", len(clients))
				}
			}

		case reply := <-h.count:
			reply <- len(clients)
		}
	}
}

// Broadcast queues a payload for every connected client. A full broadcast
// queue drops the payload instead of blocking the producer.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		log.Warn("event broadcast queue full, dropping payload")
	}
}

// BroadcastEvent encodes a voice event and broadcasts it. Wire this as a
// subscriber on the voice manager.
func (h *Hub) BroadcastEvent(ev voice.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("encode voice event", "error", err)
		return
	}
	h.Broadcast(payload)
}

// ClientCount asks the run loop for the current client count. It returns
// zero when the loop is not running.
func (h *Hub) ClientCount(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-ctx.Done():
		return 0
	case <-h.done:
		return 0
	}
}
