// Package stream fans session updates out to Server-Sent Events
// subscribers.
package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Event is one SSE message. Data is sent verbatim and must not contain
// newlines; JSON from encoding/json qualifies.
type Event struct {
	Name string
	Data []byte
}

// subscriberBuffer is how many events a slow subscriber may fall behind
// before new events are dropped for it.
const subscriberBuffer = 16

type subscriber struct {
	topic string
	ch    chan Event
}

// Hub multiplexes published events to per-topic subscribers. Publishing
// never blocks: a subscriber with a full buffer misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]subscriber
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]subscriber)}
}

// Subscribe registers a receiver for topic. The channel is closed by
// Unsubscribe, CloseTopic or Close. Subscribing to a closed hub returns a
// closed channel.
func (h *Hub) Subscribe(topic string) (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = subscriber{topic: topic, ch: ch}
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Publish delivers ev to every subscriber of topic and returns how many
// received it.
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sub := range h.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- ev:
			n++
		default:
		}
	}
	return n
}

// CloseTopic disconnects every subscriber of topic.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if sub.topic == topic {
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

// Subscribers counts the live subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sub := range h.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Serve streams topic to w as text/event-stream until the client goes away
// or the topic is closed. initial, when non-nil, is written first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topic string, initial *Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, events := h.Subscribe(topic)
	defer h.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	// Send initial ping to establish connection
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}
	if initial != nil {
		if err := writeEvent(w, *initial); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	if ev.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	return err
}
