package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/dhsmith/reportforge/internal/report/engine"
)

// Broadcaster fans out progress events to SSE clients. One Broadcaster
// per run. It implements engine.EventSink and never blocks the engine:
// slow clients are dropped.
type Broadcaster struct {
	mu      sync.Mutex
	history []engine.ProgressEvent
	clients map[uint64]chan engine.ProgressEvent
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan engine.ProgressEvent),
		doneCh:  make(chan struct{}),
	}
}

// Publish is the engine sink callback.
func (b *Broadcaster) Publish(ev engine.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop rather than stall the dispatch loop.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel (history replay, then live), a
// done channel closed when the run finishes, and an unsubscribe func.
func (b *Broadcaster) Subscribe() (<-chan engine.ProgressEvent, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan engine.ProgressEvent, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold all history plus live headroom, so the replay never
	// blocks while the mutex is held.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will come. All client channels close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events seen so far.
func (b *Broadcaster) History() []engine.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.ProgressEvent, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams broadcaster events as Server-Sent Events.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Only emit "done" when the run actually finished, not
				// when this client was dropped for slowness.
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
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
