// Package livefeed keeps a registry of bar subscriptions, wakes on interval
// boundaries to fetch the latest bar for each due subscription, and fans new bars
// out to consumer workers.
package livefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// Feed is the public face of the live bar service.
type Feed struct {
	opts    Options
	fetcher Fetcher
	reg     *registry
	sched   *scheduler
	metrics *feedMetrics

	ctx    context.Context
	cancel context.CancelFunc

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates opts, starts the scheduler and returns a ready feed.
func New(fetcher Fetcher, opts Options) (*Feed, error) {
	if fetcher == nil {
		return nil, errs.New("livefeed/new", errs.CodeInvalid, errs.WithMessage("fetcher required"))
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.normalise()

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		opts:    opts,
		fetcher: fetcher,
		reg:     newRegistry(),
		metrics: newFeedMetrics(opts.Meter, opts.Source),
		ctx:     ctx,
		cancel:  cancel,
	}
	f.sched = newScheduler(f.reg, fetcher, opts, f.metrics)
	go f.sched.run(ctx)

	opts.Logger.Info("live feed started",
		observability.Field{Key: "retry_limit", Value: opts.RetryLimit},
		observability.String("retry_delay", opts.RetryDelay.String()),
		observability.Field{Key: "fetch_workers", Value: opts.FetchWorkers})
	return f, nil
}

// Options returns the effective settings.
func (f *Feed) Options() Options { return f.opts }

// SchedulerState reports the scheduler loop position.
func (f *Feed) SchedulerState() SchedulerState { return f.sched.State() }

// DeadLetters exposes incidents recorded by the feed.
func (f *Feed) DeadLetters() *observability.DeadLetterQueue { return f.opts.DLQ }

func (f *Feed) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, f.opts.OperationTimeout)
}

func shuttingDown(op string) error {
	return errs.New(op, errs.CodeShuttingDown, errs.WithMessage("feed is shutting down"))
}

// Subscribe returns the subscription for the key, creating it on first use.
// Concurrent callers for the same key always receive the same handle.
func (f *Feed) Subscribe(ctx context.Context, symbol, exchange string, interval schema.Interval) (*Subscription, error) {
	key, err := schema.NewKey(symbol, exchange, interval)
	if err != nil {
		return nil, err
	}
	return f.SubscribeKey(ctx, key)
}

// SubscribeKey is Subscribe for an already built key.
func (f *Feed) SubscribeKey(ctx context.Context, key schema.Key) (*Subscription, error) {
	sub, _, err := f.Ensure(ctx, key)
	return sub, err
}

// Ensure is SubscribeKey that also reports whether this call created the
// subscription. Exactly one of any set of concurrent callers sees created.
func (f *Feed) Ensure(ctx context.Context, key schema.Key) (sub *Subscription, created bool, err error) {
	const op = "livefeed/subscribe"
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	if f.closing.Load() {
		return nil, false, shuttingDown(op)
	}

	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	if err := f.reg.lock(opCtx); err != nil {
		return nil, false, err
	}
	if f.closing.Load() {
		f.reg.unlock()
		return nil, false, shuttingDown(op)
	}
	if existing := f.reg.lookup(key); existing != nil {
		f.reg.unlock()
		return existing, false, nil
	}
	sub = newSubscription(key)
	wake := f.reg.insert(sub, f.opts.Clock.Now())
	f.reg.unlock()

	if wake {
		f.sched.signal()
	}
	f.metrics.subscriptionDelta(f.ctx, 1)
	f.opts.Logger.Info("subscription added",
		observability.String("symbol", key.Symbol),
		observability.String("exchange", key.Exchange),
		observability.String("interval", string(key.Interval)))
	return sub, true, nil
}

// Unsubscribe removes sub from the registry, then stops and joins its consumers.
// Removing an already removed subscription is a no-op. When the registry lock
// cannot be taken nothing changes.
func (f *Feed) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return errs.New("livefeed/unsubscribe", errs.CodeInvalid, errs.WithMessage("subscription required"))
	}

	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	if err := f.reg.lock(opCtx); err != nil {
		return err
	}
	removed := f.reg.remove(sub)
	consumers := sub.retire()
	f.reg.unlock()

	if removed {
		f.subscriptionRemoved(sub)
	}
	return f.joinAll(ctx, consumers)
}

func (f *Feed) subscriptionRemoved(sub *Subscription) {
	f.metrics.subscriptionDelta(f.ctx, -1)
	key := sub.Key()
	f.opts.Logger.Info("subscription removed",
		observability.String("symbol", key.Symbol),
		observability.String("exchange", key.Exchange),
		observability.String("interval", string(key.Interval)))
}

// AddConsumer starts a worker that invokes callback for every new bar on sub.
func (f *Feed) AddConsumer(ctx context.Context, sub *Subscription, callback Callback, opts ...ConsumerOption) (*Consumer, error) {
	const op = "livefeed/add_consumer"
	if sub == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("subscription required"))
	}
	if callback == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("callback required"))
	}
	if f.closing.Load() {
		return nil, shuttingDown(op)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, errs.New(op, errs.CodeTimeout, errs.WithCause(err))
		}
	}

	c := newConsumer(sub, callback, f.opts, f.metrics, opts...)
	if !sub.attach(c) {
		return nil, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("subscription has been removed"),
			errs.WithField("key", sub.Key().String()))
	}
	c.start()
	f.metrics.consumerDelta(f.ctx, 1)
	f.opts.Logger.Debug("consumer added", observability.String("consumer", c.Name()))
	return c, nil
}

// RemoveConsumer stops c and waits for its worker, bounded by JoinTimeout. When
// c was the last consumer its subscription leaves the registry before the join.
func (f *Feed) RemoveConsumer(ctx context.Context, c *Consumer) error {
	if c == nil {
		return errs.New("livefeed/remove_consumer", errs.CodeInvalid, errs.WithMessage("consumer required"))
	}
	sub := c.Subscription()

	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	if err := f.reg.lock(opCtx); err != nil {
		return err
	}
	_, retired := sub.detach(c, !f.closing.Load())
	removed := retired && f.reg.remove(sub)
	f.reg.unlock()

	c.requestStop()
	if removed {
		f.subscriptionRemoved(sub)
	}
	return f.join(ctx, c)
}

// join waits for c. A straggler is released from the consumer count once its
// worker finally exits.
func (f *Feed) join(ctx context.Context, c *Consumer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.join(ctx, f.opts.JoinTimeout); err != nil {
		go func() {
			<-c.Done()
			f.release(c)
		}()
		return err
	}
	f.release(c)
	return nil
}

func (f *Feed) release(c *Consumer) {
	if c.released.CompareAndSwap(false, true) {
		f.metrics.consumerDelta(context.Background(), -1)
	}
}

func (f *Feed) joinAll(ctx context.Context, consumers []*Consumer) error {
	if len(consumers) == 0 {
		return nil
	}
	p := pool.NewWithResults[error]()
	for _, c := range consumers {
		c.requestStop()
		p.Go(func() error { return f.join(ctx, c) })
	}
	return observability.AggregateErrors(f.opts.Logger, "stop consumers", p.Wait())
}

// Subscription looks up the live subscription for key.
func (f *Feed) Subscription(ctx context.Context, key schema.Key) (*Subscription, error) {
	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	if err := f.reg.lock(opCtx); err != nil {
		return nil, err
	}
	sub := f.reg.lookup(key)
	f.reg.unlock()
	if sub == nil {
		return nil, errs.New("livefeed/subscription", errs.CodeNotFound,
			errs.WithMessage("no subscription for key"),
			errs.WithField("key", key.String()))
	}
	return sub, nil
}

// Subscriptions returns every live subscription ordered by key.
func (f *Feed) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	if err := f.reg.lock(opCtx); err != nil {
		return nil, err
	}
	defer f.reg.unlock()
	return f.reg.all(), nil
}

// History returns up to bars past bars for key when the source supports it.
func (f *Feed) History(ctx context.Context, key schema.Key, bars int) ([]schema.Bar, error) {
	const op = "livefeed/history"
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if bars <= 0 {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("bars must be positive"))
	}
	hf, ok := f.fetcher.(HistoryFetcher)
	if !ok {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("source does not serve history"))
	}
	return hf.FetchHistory(ctx, key, bars)
}

// Stats returns a snapshot of feed counters.
func (f *Feed) Stats() Stats {
	stats := f.metrics.snapshot()
	opCtx, cancel := f.opContext(context.Background())
	defer cancel()
	if err := f.reg.lock(opCtx); err == nil {
		stats.Subscriptions = f.reg.size()
		f.reg.unlock()
	}
	return stats
}

// Shutdown stops the scheduler, then every consumer concurrently. It returns
// within SchedulerJoinTimeout plus JoinTimeout. Later calls return the first result.
func (f *Feed) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		f.shutdownErr = f.shutdown(ctx)
	})
	return f.shutdownErr
}

func (f *Feed) shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.closing.Store(true)
	f.sched.requestStop()

	var failures []error
	timer := time.NewTimer(f.opts.SchedulerJoinTimeout)
	select {
	case <-f.sched.done:
	case <-timer.C:
		failures = append(failures, errs.Timeout("livefeed/shutdown", "scheduler stop"))
		f.opts.Logger.Error("scheduler did not stop within timeout",
			observability.String("timeout", f.opts.SchedulerJoinTimeout.String()))
	case <-ctx.Done():
		failures = append(failures, errs.New("livefeed/shutdown", errs.CodeTimeout, errs.WithCause(ctx.Err())))
	}
	timer.Stop()
	// Abort any fetch still in flight.
	f.cancel()

	var subs []*Subscription
	lockCtx, cancel := context.WithTimeout(context.Background(), f.opts.OperationTimeout)
	if err := f.reg.lock(lockCtx); err != nil {
		failures = append(failures, err)
	} else {
		subs = f.reg.clear()
		f.reg.unlock()
	}
	cancel()

	var consumers []*Consumer
	for _, sub := range subs {
		consumers = append(consumers, sub.retire()...)
	}
	f.metrics.subscriptionDelta(context.Background(), -int64(len(subs)))

	joinCtx := context.WithoutCancel(ctx)
	if err := f.joinAll(joinCtx, consumers); err != nil {
		failures = append(failures, err)
	}

	err := observability.AggregateErrors(f.opts.Logger, "shutdown", failures)
	f.opts.Logger.Info("live feed stopped",
		observability.Field{Key: "subscriptions", Value: len(subs)},
		observability.Field{Key: "consumers", Value: len(consumers)})
	return err
}
