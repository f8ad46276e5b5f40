package livefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// SchedulerState is the position of the scheduler loop.
type SchedulerState int32

const (
	SchedulerIdle SchedulerState = iota
	SchedulerFetching
	SchedulerShuttingDown
	SchedulerStopped
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "idle"
	case SchedulerFetching:
		return "fetching"
	case SchedulerShuttingDown:
		return "shutting_down"
	case SchedulerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type scheduler struct {
	reg     *registry
	fetcher Fetcher
	opts    Options
	metrics *feedMetrics

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
}

func newScheduler(reg *registry, fetcher Fetcher, opts Options, metrics *feedMetrics) *scheduler {
	return &scheduler{
		reg:     reg,
		fetcher: fetcher,
		opts:    opts,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *scheduler) State() SchedulerState { return SchedulerState(s.state.Load()) }

// signal asks the loop to recompute its wake time. Never blocks.
func (s *scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// requestStop moves the loop to shutting down; the in-flight cycle completes first.
func (s *scheduler) requestStop() {
	s.stopOnce.Do(func() {
		for {
			current := s.state.Load()
			if current == int32(SchedulerStopped) || s.state.CompareAndSwap(current, int32(SchedulerShuttingDown)) {
				break
			}
		}
		close(s.stop)
	})
}

func (s *scheduler) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// transition moves between the running states unless shutdown has been requested.
func (s *scheduler) transition(to SchedulerState) {
	for {
		current := s.state.Load()
		if current == int32(SchedulerShuttingDown) || current == int32(SchedulerStopped) {
			return
		}
		if s.state.CompareAndSwap(current, int32(to)) {
			return
		}
	}
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(SchedulerStopped))

	for {
		if s.stopping() {
			return
		}
		s.transition(SchedulerIdle)

		var timer <-chan time.Time
		if err := s.reg.lock(ctx); err != nil {
			return
		}
		next, ok := s.reg.nextWake()
		s.reg.unlock()
		if ok {
			timer = s.opts.Clock.WaitUntil(next)
		}

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer:
		}

		if s.stopping() {
			return
		}
		s.transition(SchedulerFetching)
		s.cycle(ctx)
	}
}

// cycle services every due subscription once. Due subscriptions are fetched in
// parallel; each subscription is handled by exactly one goroutine.
func (s *scheduler) cycle(ctx context.Context) {
	started := time.Now()
	if err := s.reg.lock(ctx); err != nil {
		return
	}
	due := s.reg.collectDue(s.opts.Clock.Now())
	s.reg.unlock()
	if len(due) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(s.opts.FetchWorkers)
	for _, sub := range due {
		p.Go(func() {
			s.service(ctx, sub)
		})
	}
	p.Wait()
	s.metrics.recordCycle(ctx, time.Since(started))
}

// service fetches the latest bar for sub, retrying while the source still
// returns the last delivered bar, then fans a new bar out to the consumers.
func (s *scheduler) service(ctx context.Context, sub *Subscription) {
	key := sub.Key()
	last := sub.Fingerprint()
	policy := backoff.NewConstantBackOff(s.opts.RetryDelay)

	var bar schema.Bar
	for attempt := 1; ; attempt++ {
		s.metrics.recordFetch(ctx, key)
		fetched, err := s.fetch(ctx, key)
		if err != nil {
			s.metrics.recordFetchError(ctx, key, err)
			s.warn(observability.IncidentFetchFailed, "fetch failed; skipping cycle", key, err,
				observability.Field{Key: "attempt", Value: attempt})
			return
		}
		if fetched.Fingerprint() > last {
			bar = fetched
			break
		}
		if attempt >= s.opts.RetryLimit {
			s.metrics.recordStale(ctx, key)
			s.warn(observability.IncidentStaleExhausted, "no new bar after staleness retries", key, nil,
				observability.Field{Key: "attempts", Value: attempt},
				observability.String("fingerprint", last.String()))
			return
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	consumers, ok := sub.advance(bar.Fingerprint())
	if !ok {
		return
	}
	s.fanOut(ctx, sub, bar, consumers)
}

func (s *scheduler) fetch(ctx context.Context, key schema.Key) (bar schema.Bar, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("livefeed/fetch", errs.CodeUnavailable, errs.WithMessage("fetcher panicked"))
		}
	}()
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	bar, err = s.fetcher.FetchLatestBar(fetchCtx, key, s.opts.FetchTimeout)
	if err != nil {
		return schema.Bar{}, err
	}
	return bar, nil
}

// fanOut pushes bar to every consumer. Consumers with inbox space are served
// immediately; full inboxes are waited on concurrently so a slow consumer only
// costs its own PushTimeout.
func (s *scheduler) fanOut(ctx context.Context, sub *Subscription, bar schema.Bar, consumers []*Consumer) {
	key := sub.Key()
	var slow []*Consumer
	for _, c := range consumers {
		switch c.push(bar, 0) {
		case pushDelivered:
			s.metrics.recordDelivery(ctx, key)
		case pushDropped:
			slow = append(slow, c)
		case pushClosed:
		}
	}
	if len(slow) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, c := range slow {
		wg.Go(func() {
			switch c.push(bar, s.opts.PushTimeout) {
			case pushDelivered:
				s.metrics.recordDelivery(ctx, key)
			case pushDropped:
				s.metrics.recordDrop(ctx, key)
				s.warn(observability.IncidentDeliveryDropped, "consumer inbox full; dropping bar", key, nil,
					observability.String("consumer", c.Name()),
					observability.String("fingerprint", bar.Fingerprint().String()))
			case pushClosed:
			}
		})
	}
	wg.Wait()
}

func (s *scheduler) warn(kind observability.IncidentType, msg string, key schema.Key, err error, extra ...observability.Field) {
	fields := []observability.Field{
		observability.String("symbol", key.Symbol),
		observability.String("exchange", key.Exchange),
		observability.String("interval", string(key.Interval)),
	}
	if err != nil {
		fields = append(fields, observability.Err(err))
	}
	fields = append(fields, extra...)
	s.opts.Logger.Warn(msg, fields...)

	incident := observability.Incident{
		Type:      kind,
		Severity:  observability.SeverityWarn,
		Timestamp: time.Now().UTC(),
		Key:       key.String(),
		Reason:    msg,
	}
	if err != nil {
		incident.Metadata = map[string]string{"error": err.Error(), "code": string(errs.CodeOf(err))}
	}
	for _, f := range extra {
		if f.Key == "consumer" {
			incident.Consumer, _ = f.Value.(string)
		}
	}
	s.opts.DLQ.Offer(incident)
}
