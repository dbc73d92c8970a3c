package server

import (
	"sync"
)

const defaultSubscriberBuffer = 64

// StreamEvent is the payload pushed to websocket subscribers and returned by
// the event listing.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Hub fans committed events out to live subscribers. Subscribers that fall
// behind their buffer are dropped and see their channel closed.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StreamEvent
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[int]chan StreamEvent), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan StreamEvent, h.buffer)
	h.subs[id] = ch
	return ch, func() { h.remove(id) }
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers evt to every subscriber without blocking.
func (h *Hub) Publish(evt StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
