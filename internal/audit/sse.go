package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// Broadcaster is a Sink that serves the activity log as Server-Sent Events.
// It keeps a bounded backlog so a reconnecting client can resume from its
// Last-Event-ID.
type Broadcaster struct {
	mu        sync.RWMutex
	backlog   []Event
	capacity  int
	clients   map[int]chan Event
	nextID    int
	heartbeat time.Duration
}

func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = 500
	}
	return &Broadcaster{
		capacity:  backlog,
		clients:   make(map[int]chan Event),
		heartbeat: 10 * time.Second,
	}
}

// Record appends ev to the backlog and fans it out. Clients whose buffer is
// full miss the event rather than stalling the recorder.
func (b *Broadcaster) Record(ev Event) error {
	b.mu.Lock()
	b.backlog = append(b.backlog, ev)
	if len(b.backlog) > b.capacity {
		b.backlog = b.backlog[len(b.backlog)-b.capacity:]
	}
	for _, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			observ.IncCounter("sse_events_dropped_total", nil)
		}
	}
	b.mu.Unlock()
	return nil
}

// Clients returns the number of connected streams.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP streams the backlog after Last-Event-ID (or the last_event_id
// query parameter), then live events, with a ping comment every heartbeat.
// ?types=a,b narrows the stream.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_event_id")
	}
	var filter Filter
	if t := r.URL.Query().Get("types"); t != "" {
		filter.Types = strings.Split(t, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// register before copying the backlog so nothing recorded in between is lost
	ch := make(chan Event, 100)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.clients[id] = ch
	replay := b.resumeLocked(lastID)
	b.mu.Unlock()
	observ.SetGauge("sse_clients", float64(b.Clients()), nil)

	defer func() {
		b.mu.Lock()
		delete(b.clients, id)
		b.mu.Unlock()
		observ.SetGauge("sse_clients", float64(b.Clients()), nil)
	}()

	for _, ev := range Apply(replay, filter) {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if !filter.match(ev) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resumeLocked returns the backlog after lastID. An unknown id replays
// everything still held.
func (b *Broadcaster) resumeLocked(lastID string) []Event {
	start := 0
	if lastID != "" {
		for i, ev := range b.backlog {
			if ev.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	return append([]Event(nil), b.backlog[start:]...)
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload)
	return err
}

// ServeBackfill returns up to ?limit= backlog events after ?since_id= as JSON.
func (b *Broadcaster) ServeBackfill(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	b.mu.RLock()
	events := b.resumeLocked(r.URL.Query().Get("since_id"))
	b.mu.RUnlock()

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events":   events,
		"count":    len(events),
		"has_more": hasMore,
	})
}
