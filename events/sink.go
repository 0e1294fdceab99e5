package events

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/warp/punch-ledger/production"
)

// LogSink logs every event at info level.
type LogSink struct {
	Logger *log.Logger
}

func NewLogSink(l *log.Logger) *LogSink {
	return &LogSink{Logger: l}
}

func (s *LogSink) Publish(_ context.Context, e production.PunchEvent) error {
	s.Logger.Info("punch event",
		"event", e.ID,
		"order", e.OrderID,
		"operation", e.OperationIndex,
		"name", e.OperationName,
		"actor", e.ActorID,
		"produced", e.Produced,
		"rejected", e.Rejected,
		"remaining", e.Remaining,
		"operation_completed", e.OperationCompleted,
	)
	return nil
}

// Multi publishes to every sink in order.
type Multi []production.EventSink

func (m Multi) Publish(ctx context.Context, e production.PunchEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
