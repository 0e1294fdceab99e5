package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/production"
)

type fakeWriter struct {
	failures int
	calls    int
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent() production.PunchEvent {
	return production.PunchEvent{
		ID:             "ev-1",
		OrderID:        "WO-7",
		OperationIndex: 2,
		OperationName:  "weld",
		ActorID:        "E-100",
		Produced:       generic.NewQuantity(4),
		Remaining:      generic.NewQuantity(6),
		AuditEntryID:   "a-1",
		PostingTime:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSink_RetriesThenSucceeds(t *testing.T) {
	// GIVEN: A writer that fails twice
	w := &fakeWriter{failures: 2}
	sink := newKafkaSink(w, KafkaConfig{Topic: "punches", MaxAttempts: 3})
	sink.backoff = time.Millisecond

	// WHEN: Publishing
	err := sink.Publish(context.Background(), sampleEvent())

	// THEN: Third attempt lands, keyed by order
	require.NoError(t, err)
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
	msg := w.written[0]
	assert.Equal(t, "WO-7", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "weld", decoded["operation_name"])
	assert.Equal(t, "a-1", decoded["audit_entry_id"])

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_GivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	sink := newKafkaSink(w, KafkaConfig{Topic: "punches", MaxAttempts: 2})
	sink.backoff = time.Millisecond

	err := sink.Publish(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestKafkaSink_StopsOnCancel(t *testing.T) {
	w := &fakeWriter{failures: 10}
	sink := newKafkaSink(w, KafkaConfig{Topic: "punches", MaxAttempts: 5})
	sink.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Publish(ctx, sampleEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, w.calls)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "punches"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Formatter: log.LogfmtFormatter})
	require.NoError(t, NewLogSink(logger).Publish(context.Background(), sampleEvent()))

	out := buf.String()
	assert.Contains(t, out, "order=WO-7")
	assert.Contains(t, out, "operation=2")
	assert.Contains(t, out, "remaining=6")
}

func TestMulti_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := newKafkaSink(&fakeWriter{failures: 10}, KafkaConfig{Topic: "punches", MaxAttempts: 1})
	m := Multi{failing, NewLogSink(log.New(&buf))}

	err := m.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "punch event")
}
