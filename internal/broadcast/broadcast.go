// Package broadcast signals a sign-out to every other execution context
// sharing the same session: other goroutine-owned managers in this process
// through Hub, other processes through Redis pub/sub.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultChannel is the pub/sub channel name.
	DefaultChannel = "parscade-auth-logout"

	// TypeHardLogout tells receivers to drop their session state.
	TypeHardLogout = "HARD_LOGOUT"
)

// Message is one broadcast. Origin identifies the sender so it can ignore its
// own messages.
type Message struct {
	Type   string    `json:"type"`
	Origin string    `json:"origin"`
	SentAt time.Time `json:"sent_at"`
}

// Broadcaster publishes and receives messages. Handlers run on the delivering
// goroutine and must not block.
type Broadcaster interface {
	Publish(ctx context.Context, msgType string) error
	Subscribe(fn func(Message)) (func(), error)
}

type subscriber struct {
	origin string
	fn     func(Message)
}

// Hub delivers messages between endpoints of one process.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Endpoint returns a new participant with its own origin.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h, origin: uuid.NewString()}
}

func (h *Hub) subscribe(origin string, fn func(Message)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{origin: origin, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	targets := make([]func(Message), 0, len(h.subs))
	for _, s := range h.subs {
		if s.origin != msg.Origin {
			targets = append(targets, s.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(msg)
	}
}

// Endpoint is one execution context attached to a Hub.
type Endpoint struct {
	hub    *Hub
	origin string
}

// Publish delivers msgType to every other endpoint of the hub.
func (e *Endpoint) Publish(_ context.Context, msgType string) error {
	e.hub.deliver(Message{Type: msgType, Origin: e.origin, SentAt: time.Now().UTC()})
	return nil
}

// Subscribe registers fn for messages from other endpoints.
func (e *Endpoint) Subscribe(fn func(Message)) (func(), error) {
	return e.hub.subscribe(e.origin, fn), nil
}

// Origin returns the endpoint's id.
func (e *Endpoint) Origin() string {
	return e.origin
}
