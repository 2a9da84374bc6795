// Package stream fans out area and rule change events to websocket
// subscribers. Delivery is best-effort; a slow subscriber drops events
// rather than blocking publishers.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

const (
	EventAreaCreated = "area.created"
	EventAreaUpdated = "area.updated"
	EventAreaDeleted = "area.deleted"
	EventRuleCreated = "rule.created"
	EventRuleDeleted = "rule.deleted"
)

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

func AreaEvent(eventType string, area models.GeographicArea) Event {
	return NewEvent(eventType, area)
}

func RuleEvent(eventType string, rule models.AuthorizationRule) Event {
	return NewEvent(eventType, rule)
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

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

// Subscribers reports the current subscriber count, used as a gauge.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
