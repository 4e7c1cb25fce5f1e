package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the /v1/events stream.
const (
	EventClaimAppended    = "claim.appended"
	EventBatchSealed      = "batch.sealed"
	EventBatchAnchored    = "batch.anchored"
	EventReceiptIssued    = "receipt.issued"
	EventRevocationIssued = "revocation.issued"
	EventPSICompleted     = "psi.completed"
	EventTenantHalted     = "tenant.halted"
)

// Event is the wire form pushed to websocket subscribers. At is RFC3339Nano
// so consumers can order events without trusting delivery order.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans ledger events out to live subscribers. Delivery is best effort:
// a subscriber that stops draining its channel loses events rather than
// stalling claim ingestion.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a new listener. The buffer absorbs bursts from batch
// sealing; zero or negative asks for the default of 32.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes the listener and closes its channel. Safe to call
// twice with the same channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber with buffer room and reports how
// many received it. Full subscribers are skipped, never waited on.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount reports the current number of registered listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
