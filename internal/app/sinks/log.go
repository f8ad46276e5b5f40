// Package sinks provides the consumer callbacks livefeed attaches to subscriptions.
package sinks

import (
	"context"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// Log writes every delivered bar as a structured info entry.
type Log struct {
	logger observability.Logger
}

// NewLog constructs a log sink. A nil logger uses the global logger.
func NewLog(logger observability.Logger) *Log {
	if logger == nil {
		logger = observability.Log()
	}
	return &Log{logger: logger}
}

// Handle implements livefeed.Callback.
func (s *Log) Handle(_ context.Context, sub *livefeed.Subscription, bar schema.Bar) error {
	s.logger.Info("bar",
		observability.String("symbol", sub.Symbol()),
		observability.String("exchange", sub.Exchange()),
		observability.String("interval", sub.Interval().String()),
		observability.Field{Key: "time", Value: bar.Time},
		observability.String("open", bar.Open.String()),
		observability.String("high", bar.High.String()),
		observability.String("low", bar.Low.String()),
		observability.String("close", bar.Close.String()),
		observability.String("volume", bar.Volume.String()),
	)
	return nil
}
