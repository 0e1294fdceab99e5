/*
Package events publishes punch events.

SINKS:
  KafkaSink: JSON to a Kafka topic, keyed by order so events of one
             order stay ordered on a partition
  LogSink:   Structured log line per event
  Multi:     Fan-out; every sink is tried, errors are joined

Publishing happens after the ledger committed. A failed publish is
logged by the engine and never fails the punch.

SEE ALSO:
  - production/events.go: PunchEvent and the EventSink interface
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/punch-ledger/production"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int           // defaults to 3
	WriteTimeout time.Duration // per attempt, defaults to 10s
}

// KafkaSink writes punch events to Kafka with bounded retries.
type KafkaSink struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	})
	return newKafkaSink(w, cfg), nil
}

func newKafkaSink(w messageWriter, cfg KafkaConfig) *KafkaSink {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaSink{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

// Publish writes one event, retrying with exponential backoff.
func (s *KafkaSink) Publish(ctx context.Context, e production.PunchEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal punch event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Time:  e.PostingTime,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "audit_entry_id", Value: []byte(e.AuditEntryID)},
		},
	}

	var lastErr error
	backoff := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err := s.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", s.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", s.topic, s.maxAttempts, lastErr)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
