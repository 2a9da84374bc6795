package stream

import (
	"encoding/json"
	"testing"

	"github.com/sinanour/cultivate-sub007/pkg/models"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(4)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(EventAreaCreated, map[string]string{"id": "a1"}))
	evt := <-ch
	if evt.Type != EventAreaCreated {
		t.Fatalf("type = %s", evt.Type)
	}
	var data map[string]string
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["id"] != "a1" {
		t.Fatalf("data = %v", data)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(EventRuleCreated, nil))
	h.Publish(NewEvent(EventRuleDeleted, nil))
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open")
	}
	// double unsubscribe is a no-op
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
}

func TestRuleEventPayload(t *testing.T) {
	evt := RuleEvent(EventRuleCreated, models.AuthorizationRule{ID: "r1", UserID: "u1", RuleType: models.RuleAllow})
	var rule models.AuthorizationRule
	if err := json.Unmarshal(evt.Data, &rule); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rule.ID != "r1" || rule.RuleType != models.RuleAllow {
		t.Fatalf("rule = %+v", rule)
	}
}
