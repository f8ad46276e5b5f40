package livefeed

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/observability"
)

// Default tuning values.
const (
	DefaultRetryLimit           = 50
	DefaultRetryDelay           = 100 * time.Millisecond
	DefaultFetchTimeout         = 10 * time.Second
	DefaultPushTimeout          = 5 * time.Second
	DefaultPollInterval         = time.Second
	DefaultJoinTimeout          = 5 * time.Second
	DefaultSchedulerJoinTimeout = 10 * time.Second
	DefaultOperationTimeout     = 5 * time.Second
	DefaultInboxSize            = 64
	DefaultFetchWorkers         = 8
	DefaultDLQCapacity          = 256
)

// Options tunes the feed. Zero values fall back to the defaults above.
type Options struct {
	// RetryLimit caps fetch attempts per cycle while the upstream keeps returning
	// the last delivered bar.
	RetryLimit int
	// RetryDelay is the pause between staleness retries.
	RetryDelay time.Duration
	// FetchTimeout is handed to the fetcher for each call.
	FetchTimeout time.Duration
	// PushTimeout bounds how long the scheduler waits on a full consumer inbox
	// before dropping the bar for that consumer.
	PushTimeout time.Duration
	// PollInterval is how often an idle consumer worker re-checks its state.
	PollInterval time.Duration
	// JoinTimeout bounds the wait for a consumer worker to exit.
	JoinTimeout time.Duration
	// SchedulerJoinTimeout bounds the wait for the scheduler to stop during shutdown.
	SchedulerJoinTimeout time.Duration
	// OperationTimeout bounds registry lock acquisition for public operations.
	OperationTimeout time.Duration
	InboxSize        int
	FetchWorkers     int

	Logger observability.Logger
	Clock  Clock
	Meter  metric.Meter
	DLQ    *observability.DeadLetterQueue
	// Source labels metrics with the serving adapter name.
	Source string
}

// DefaultOptions returns the default feed tuning.
func DefaultOptions() Options {
	return Options{
		RetryLimit:           DefaultRetryLimit,
		RetryDelay:           DefaultRetryDelay,
		FetchTimeout:         DefaultFetchTimeout,
		PushTimeout:          DefaultPushTimeout,
		PollInterval:         DefaultPollInterval,
		JoinTimeout:          DefaultJoinTimeout,
		SchedulerJoinTimeout: DefaultSchedulerJoinTimeout,
		OperationTimeout:     DefaultOperationTimeout,
		InboxSize:            DefaultInboxSize,
		FetchWorkers:         DefaultFetchWorkers,
	}
}

func (o Options) normalise() Options {
	def := DefaultOptions()
	if o.RetryLimit <= 0 {
		o.RetryLimit = def.RetryLimit
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = def.PushTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = def.JoinTimeout
	}
	if o.SchedulerJoinTimeout <= 0 {
		o.SchedulerJoinTimeout = def.SchedulerJoinTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = def.OperationTimeout
	}
	if o.InboxSize <= 0 {
		o.InboxSize = def.InboxSize
	}
	if o.FetchWorkers <= 0 {
		o.FetchWorkers = def.FetchWorkers
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.DLQ == nil {
		o.DLQ = observability.NewDeadLetterQueue(DefaultDLQCapacity)
	}
	return o
}

// Validate rejects settings that cannot be normalised into a working feed.
func (o Options) Validate() error {
	switch {
	case o.RetryLimit < 0:
		return errs.New("livefeed/options", errs.CodeInvalid, errs.WithMessage("retry limit must not be negative"))
	case o.RetryDelay < 0:
		return errs.New("livefeed/options", errs.CodeInvalid, errs.WithMessage("retry delay must not be negative"))
	case o.InboxSize < 0:
		return errs.New("livefeed/options", errs.CodeInvalid, errs.WithMessage("inbox size must not be negative"))
	case o.FetchWorkers < 0:
		return errs.New("livefeed/options", errs.CodeInvalid, errs.WithMessage("fetch workers must not be negative"))
	}
	return nil
}
