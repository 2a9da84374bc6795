// Package feed mirrors change events onto a kafka topic so downstream
// systems can invalidate cached authorization info.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sinanour/cultivate-sub007/pkg/stream"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer kafkaWriter
}

type Config struct {
	Brokers []string
	Topic   string
}

// FromEnv reads FEED_KAFKA_BROKERS (comma-separated) and FEED_KAFKA_TOPIC.
// An empty broker list disables the feed; the returned publisher is nil and
// safe to call.
func FromEnv() (*Publisher, error) {
	raw := strings.TrimSpace(os.Getenv("FEED_KAFKA_BROKERS"))
	if raw == "" {
		return nil, nil
	}
	cfg := Config{Topic: strings.TrimSpace(os.Getenv("FEED_KAFKA_TOPIC"))}
	for _, b := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			cfg.Brokers = append(cfg.Brokers, trimmed)
		}
	}
	return New(cfg)
}

func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

// Publish writes one event keyed by type so per-type ordering holds.
func (p *Publisher) Publish(ctx context.Context, evt stream.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode feed event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: payload,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
