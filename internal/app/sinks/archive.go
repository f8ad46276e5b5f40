package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/domain/barstore"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/infra/telemetry"
	"github.com/coachpo/livefeed/internal/observability"
)

const (
	defaultArchiveTimeout  = 5 * time.Second
	defaultArchiveAttempts = 3
	archiveMaxInterval     = 2 * time.Second
)

// ArchiveOptions configure the archive sink.
type ArchiveOptions struct {
	// Source labels archived rows with the upstream that produced them.
	Source       string
	WriteTimeout time.Duration
	MaxAttempts  int
	Logger       observability.Logger
}

// Archive persists every delivered bar through a barstore.Store, retrying
// transient failures with exponential backoff.
type Archive struct {
	store  barstore.Store
	opts   ArchiveOptions
	writes metric.Int64Counter
	env    string
	// initial is the first retry delay; tests shorten it.
	initial time.Duration
}

// NewArchive constructs an archive sink.
func NewArchive(store barstore.Store, opts ArchiveOptions) *Archive {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultArchiveTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultArchiveAttempts
	}
	if opts.Logger == nil {
		opts.Logger = observability.Log()
	}
	writes, _ := otel.Meter("livefeed.sinks").Int64Counter(telemetry.MetricArchiveWrites,
		metric.WithDescription("Bar archive write outcomes"),
		metric.WithUnit("{write}"))
	return &Archive{
		store:   store,
		opts:    opts,
		writes:  writes,
		env:     telemetry.Environment(),
		initial: backoff.DefaultInitialInterval,
	}
}

// Handle implements livefeed.Callback.
func (a *Archive) Handle(ctx context.Context, sub *livefeed.Subscription, bar schema.Bar) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.initial
	policy.MaxInterval = archiveMaxInterval

	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
		lastErr = a.store.SaveBar(writeCtx, a.opts.Source, bar)
		cancel()
		if lastErr == nil {
			a.record(ctx, telemetry.ResultDelivered)
			return nil
		}
		if attempt == a.opts.MaxAttempts {
			break
		}
		a.opts.Logger.Warn("archive write failed, retrying",
			observability.String("subscription", sub.String()),
			observability.Field{Key: "attempt", Value: attempt},
			observability.Err(lastErr))

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.record(ctx, telemetry.ResultError)
			return fmt.Errorf("archive %s: %w", sub.Key().Slug(), ctx.Err())
		case <-timer.C:
		}
	}
	a.record(ctx, telemetry.ResultError)
	return fmt.Errorf("archive %s after %d attempts: %w", sub.Key().Slug(), a.opts.MaxAttempts, lastErr)
}

func (a *Archive) record(ctx context.Context, result string) {
	if a.writes == nil {
		return
	}
	attrs := telemetry.SinkAttributes(a.env, "archive", result)
	a.writes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}
