package livefeed

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// ConsumerState is the lifecycle position of a consumer worker.
type ConsumerState int32

const (
	ConsumerRunning ConsumerState = iota
	ConsumerStopping
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerRunning:
		return "running"
	case ConsumerStopping:
		return "stopping"
	case ConsumerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type pushResult int

const (
	pushDelivered pushResult = iota
	pushDropped
	pushClosed
)

type delivery struct {
	bar  schema.Bar
	stop bool
}

// ConsumerOption customises a consumer at attachment time.
type ConsumerOption func(*Consumer)

// WithName overrides the generated consumer name.
func WithName(name string) ConsumerOption {
	return func(c *Consumer) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			c.name = trimmed
		}
	}
}

// Consumer runs a callback on its own goroutine for every bar delivered to its
// subscription. State only moves forward: running, stopping, stopped.
type Consumer struct {
	id       string
	name     string
	sub      *Subscription
	callback Callback

	inbox  chan delivery
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	stopOnce sync.Once
	released atomic.Bool

	pollInterval time.Duration
	logger       observability.Logger
	metrics      *feedMetrics
	dlq          *observability.DeadLetterQueue
}

func newConsumer(sub *Subscription, callback Callback, opts Options, metrics *feedMetrics, extra ...ConsumerOption) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		id:           uuid.NewString(),
		sub:          sub,
		callback:     callback,
		inbox:        make(chan delivery, opts.InboxSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		metrics:      metrics,
		dlq:          opts.DLQ,
	}
	key := sub.Key()
	c.name = fmt.Sprintf("%s_%s_%s_%s", callbackName(callback), key.Symbol, key.Exchange, key.Interval)
	for _, opt := range extra {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ID returns the unique consumer identifier.
func (c *Consumer) ID() string { return c.id }

// Name returns the human-readable consumer name.
func (c *Consumer) Name() string { return c.name }

// Subscription returns the subscription the consumer is bound to.
func (c *Consumer) Subscription() *Subscription { return c.sub }

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

// Done is closed once the worker goroutine has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) String() string {
	return fmt.Sprintf("%s,consumer=%s", c.sub.Key(), c.name)
}

func (c *Consumer) start() {
	go c.run()
}

func (c *Consumer) run() {
	defer close(c.done)
	defer c.state.Store(int32(ConsumerStopped))
	defer c.cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.State() != ConsumerRunning {
			return
		}
		select {
		case d := <-c.inbox:
			if d.stop || c.State() != ConsumerRunning {
				return
			}
			c.invoke(d.bar)
		case <-ticker.C:
		}
	}
}

func (c *Consumer) invoke(bar schema.Bar) {
	started := time.Now()
	err := c.safeCall(bar)
	c.metrics.recordCallback(c.ctx, c.sub.Key(), time.Since(started), err)
	if err == nil {
		return
	}
	key := c.sub.Key()
	c.logger.Error("consumer callback failed",
		observability.String("consumer", c.name),
		observability.String("symbol", key.Symbol),
		observability.String("exchange", key.Exchange),
		observability.String("interval", string(key.Interval)),
		observability.Err(err))
	c.dlq.Offer(observability.Incident{
		Type:      observability.IncidentCallbackFailed,
		Severity:  observability.SeverityError,
		Timestamp: time.Now().UTC(),
		Key:       key.String(),
		Consumer:  c.name,
		Reason:    err.Error(),
	})
}

func (c *Consumer) safeCall(bar schema.Bar) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("livefeed/consumer", errs.CodeCallback,
				errs.WithMessage(fmt.Sprintf("callback panic: %v", r)),
				errs.WithField("consumer", c.name))
		}
	}()
	if cbErr := c.callback(c.ctx, c.sub, bar); cbErr != nil {
		return errs.New("livefeed/consumer", errs.CodeCallback,
			errs.WithMessage("callback returned error"),
			errs.WithField("consumer", c.name),
			errs.WithCause(cbErr))
	}
	return nil
}

// push hands a bar to the worker, waiting up to timeout for inbox space.
func (c *Consumer) push(bar schema.Bar, timeout time.Duration) pushResult {
	if c.State() != ConsumerRunning {
		return pushClosed
	}
	select {
	case c.inbox <- delivery{bar: bar}:
		return pushDelivered
	default:
	}
	if timeout <= 0 {
		return pushDropped
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.inbox <- delivery{bar: bar}:
		return pushDelivered
	case <-timer.C:
		return pushDropped
	case <-c.quit:
		return pushClosed
	}
}

// requestStop moves the consumer to stopping and wakes its worker. Safe to call repeatedly.
func (c *Consumer) requestStop() {
	c.stopOnce.Do(func() {
		c.state.CompareAndSwap(int32(ConsumerRunning), int32(ConsumerStopping))
		close(c.quit)
		c.cancel()
		select {
		case c.inbox <- delivery{stop: true}:
		default:
		}
	})
}

// join waits for the worker to exit, bounded by timeout and ctx.
func (c *Consumer) join(ctx context.Context, timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	key := c.sub.Key()
	c.logger.Error("consumer did not stop within join timeout",
		observability.String("consumer", c.name),
		observability.String("consumer_id", c.id),
		observability.String("symbol", key.Symbol),
		observability.String("exchange", key.Exchange),
		observability.String("interval", string(key.Interval)),
		observability.Field{Key: "timeout", Value: timeout.String()})
	c.dlq.Offer(observability.Incident{
		Type:      observability.IncidentConsumerStraggler,
		Severity:  observability.SeverityError,
		Timestamp: time.Now().UTC(),
		Key:       key.String(),
		Consumer:  c.name,
		Reason:    "join timeout",
	})
	return errs.New("livefeed/remove_consumer", errs.CodeTimeout,
		errs.WithMessage("consumer join timed out"),
		errs.WithField("consumer", c.name))
}

func callbackName(cb Callback) string {
	if cb == nil {
		return "callback"
	}
	fn := runtime.FuncForPC(reflect.ValueOf(cb).Pointer())
	if fn == nil {
		return "callback"
	}
	name := strings.TrimSuffix(fn.Name(), "-fm")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || strings.HasPrefix(name, "func") {
		return "callback"
	}
	return name
}
