package feed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/sinanour/cultivate-sub007/pkg/stream"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Topic: "t"}); err == nil {
		t.Fatal("missing brokers accepted")
	}
	if _, err := New(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("missing topic accepted")
	}
	p, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "geoauthz.events"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	_ = p.Close()
}

func TestPublishKeysByEventType(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw}
	evt := stream.NewEvent(stream.EventRuleCreated, map[string]string{"rule_id": "r1"})
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("messages = %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != stream.EventRuleCreated {
		t.Fatalf("key = %s", fw.msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != stream.EventRuleCreated {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.Publish(context.Background(), stream.NewEvent("x", nil)); err != nil {
		t.Fatalf("nil publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
