package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Broker fans runtime events out to server-sent-event clients. Slow
// clients miss intermediate events rather than block the publisher.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// Event is one SSE frame.
type Event struct {
	Name string
	Data any
	ID   string
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a client channel.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a client channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to every subscriber.
func (b *Broker) Publish(name string, data any) {
	ev := Event{
		Name: name,
		Data: data,
		ID:   fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()
}

// Subscribers returns the current client count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Handler returns the SSE endpoint. The snapshot function provides the
// initial state sent to each new client.
func (b *Broker) Handler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := b.Subscribe()
		defer b.Unsubscribe(ch)

		if snapshot != nil {
			writeEvent(w, Event{Name: "init", Data: snapshot()})
			flusher.Flush()
		}

		ctx := r.Context()
		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				writeEvent(w, ev)
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Name)
	data, _ := json.Marshal(ev.Data)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
