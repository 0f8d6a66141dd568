package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weiawesome/bilimix/internal/danmaku"
	"github.com/weiawesome/bilimix/internal/log"
)

// EventSource is where the drain loop pulls events from; in production it
// is the collector's queue.
type EventSource interface {
	Dequeue(ctx context.Context) (danmaku.Event, error)
}

// Hub holds the live endpoint set and fans dequeued events out to it.
// Per-endpoint failures remove that endpoint only; the drain never stops
// for one bad viewer.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	// observers are notified once per drained event (history pool etc.).
	obsMu     sync.RWMutex
	observers []func(danmaku.Event)
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Register adds an endpoint. Registration during a fan-out takes effect for
// the next event; it is never lost.
func (h *Hub) Register(e *Endpoint) {
	h.mu.Lock()
	h.endpoints[e.ID] = e
	h.mu.Unlock()
	log.L().Debug().Str(log.FieldEndpointID, e.ID).Msg("endpoint registered")
}

// Unregister removes and closes an endpoint; unknown ids are a no-op.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	e, ok := h.endpoints[id]
	if ok {
		delete(h.endpoints, id)
	}
	h.mu.Unlock()
	if ok {
		e.Close()
		log.L().Debug().Str(log.FieldEndpointID, id).Msg("endpoint unregistered")
	}
}

// Count reports the number of live endpoints.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

// Observe registers a callback invoked for every drained event, before
// delivery. Used for the danmaku history pool.
func (h *Hub) Observe(fn func(danmaku.Event)) {
	h.obsMu.Lock()
	h.observers = append(h.observers, fn)
	h.obsMu.Unlock()
}

// Run is the single drain loop: dequeue, serialize once, deliver to a
// snapshot of the endpoint set, then remove whatever failed. Event N is
// fully attempted before event N+1 is dequeued. Returns when ctx ends.
func (h *Hub) Run(ctx context.Context, src EventSource) {
	for {
		event, err := src.Dequeue(ctx)
		if err != nil {
			return
		}

		h.obsMu.RLock()
		for _, fn := range h.observers {
			fn(event)
		}
		h.obsMu.RUnlock()

		data, err := json.Marshal(event)
		if err != nil {
			log.L().Error().Err(err).Msg("failed to serialize danmaku event")
			continue
		}
		h.fanOut(data)
	}
}

// fanOut delivers to a snapshot so concurrent registration never tears the
// iteration; failed endpoints are removed after the full pass.
func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	snapshot := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		snapshot = append(snapshot, e)
	}
	h.mu.RUnlock()

	var failed []string
	for _, e := range snapshot {
		if err := e.deliver(data); err != nil {
			log.L().Warn().Str(log.FieldEndpointID, e.ID).Err(err).Msg("dropping endpoint after delivery failure")
			failed = append(failed, e.ID)
		}
	}
	for _, id := range failed {
		h.Unregister(id)
	}
}
