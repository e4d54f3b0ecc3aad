package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// feedHistory bounds how many past events a new subscriber is replayed.
const feedHistory = 256

// EventHub fans engine progress events out to per-session subscribers. Its
// Publish method is the engine's progress sink.
type EventHub struct {
	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
	doneCh chan struct{}
}

type feed struct {
	history []map[string]any
	clients map[uint64]chan map[string]any
	nextID  uint64
}

func NewEventHub() *EventHub {
	return &EventHub{feeds: map[string]*feed{}, doneCh: make(chan struct{})}
}

func (h *EventHub) feedLocked(sessionID string) *feed {
	f, ok := h.feeds[sessionID]
	if !ok {
		f = &feed{clients: map[uint64]chan map[string]any{}}
		h.feeds[sessionID] = f
	}
	return f
}

// Publish routes ev to the subscribers of ev["session_id"]. It never blocks:
// a subscriber that cannot keep up is disconnected.
func (h *EventHub) Publish(ev map[string]any) {
	sessionID, _ := ev["session_id"].(string)
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	f := h.feedLocked(sessionID)
	f.history = append(f.history, ev)
	if n := len(f.history); n > feedHistory {
		f.history = append([]map[string]any(nil), f.history[n-feedHistory:]...)
	}
	for id, ch := range f.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(f.clients, id)
		}
	}
}

// Subscribe returns a channel that first replays the session's recent events
// and then receives live ones, a channel closed when the hub shuts down, and
// an unsubscribe function.
func (h *EventHub) Subscribe(sessionID string) (<-chan map[string]any, <-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedLocked(sessionID)
	ch := make(chan map[string]any, len(f.history)+64)
	for _, ev := range f.history {
		ch <- ev
	}
	if h.closed {
		close(ch)
		return ch, h.doneCh, func() {}
	}
	id := f.nextID
	f.nextID++
	f.clients[id] = ch
	return ch, h.doneCh, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := f.clients[id]; ok {
			delete(f.clients, id)
			close(ch)
		}
	}
}

// Forget drops the history of sessions without live subscribers.
func (h *EventHub) Forget(sessionIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range sessionIDs {
		if f, ok := h.feeds[id]; ok && len(f.clients) == 0 {
			delete(h.feeds, id)
		}
	}
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.doneCh)
	for _, f := range h.feeds {
		for id, ch := range f.clients {
			close(ch)
			delete(f.clients, id)
		}
	}
}

// writeSSE streams a session's events as Server-Sent Events until the client
// leaves or the hub closes.
func writeSSE(w http.ResponseWriter, r *http.Request, h *EventHub, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := h.Subscribe(sessionID)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			name, _ := ev["event"].(string)
			if name != "" {
				fmt.Fprintf(w, "event: %s\n", name)
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
