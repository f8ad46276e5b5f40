package livefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

func TestConcurrentSubscribeCreatesOneSubscription(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)

	const callers = 32
	results := make([]*Subscription, callers)
	failures := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], failures[i] = feed.Subscribe(context.Background(), "btcusdt", "binance", schema.Interval1Minute)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, sub := range results {
		require.NoError(t, failures[i])
		require.Same(t, results[0], sub)
	}
	subs, err := feed.Subscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, 1, feed.Stats().Subscriptions)
}

func TestSubscribeRejectsInvalidArguments(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)

	_, err := feed.Subscribe(context.Background(), "", "BINANCE", schema.Interval1Minute)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = feed.Subscribe(context.Background(), "BTCUSDT", " ", schema.Interval1Minute)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = feed.Subscribe(context.Background(), "BTCUSDT", "BINANCE", schema.Interval("2m"))
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	require.Zero(t, feed.Stats().Subscriptions)
}

func TestSubscribeTimesOutOnBusyRegistry(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), func(o *Options) {
		o.OperationTimeout = 20 * time.Millisecond
	})
	require.NoError(t, feed.reg.lock(context.Background()))
	_, err := feed.Subscribe(context.Background(), "BTCUSDT", "BINANCE", schema.Interval1Minute)
	feed.reg.unlock()

	require.True(t, errs.Is(err, errs.CodeTimeout))
	_, err = feed.Subscribe(context.Background(), "BTCUSDT", "BINANCE", schema.Interval1Minute)
	require.NoError(t, err)
}

func TestSchedulerDeliversOnBoundaryToAllConsumers(t *testing.T) {
	barTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fetcher := newScriptedFetcher(barTime)
	feed, clock := newTestFeed(t, fetcher, nil)

	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	recorders := []*recorder{new(recorder), new(recorder), new(recorder)}
	for _, r := range recorders {
		mustAddConsumer(t, feed, sub, r.record)
	}

	// Nothing is fetched before the first boundary.
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, fetcher.calls.Load())

	clock.Advance(30 * time.Second)
	for _, r := range recorders {
		require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	}
	for _, r := range recorders {
		bars := r.snapshot()
		require.Len(t, bars, 1)
		require.Equal(t, schema.Fingerprint(barTime.UnixNano()), bars[0].Fingerprint())
	}
	require.Equal(t, schema.Fingerprint(barTime.UnixNano()), sub.Fingerprint())
	require.Equal(t, int64(1), fetcher.calls.Load())
	require.Equal(t, int64(3), feed.Stats().Deliveries)
}

func TestSchedulerServicesEachBoundary(t *testing.T) {
	fetcher := newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	feed, clock := newTestFeed(t, fetcher, nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	rec := new(recorder)
	mustAddConsumer(t, feed, sub, rec.record)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	fetcher.set(time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return feed.Stats().Cycles == 2 }, time.Second, 5*time.Millisecond)
}

func TestMonotonicDeliveryPerConsumer(t *testing.T) {
	fetcher := newScriptedFetcher(testStart)
	feed, _ := newTestFeed(t, fetcher, func(o *Options) { o.RetryLimit = 2 })
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	rec := new(recorder)
	mustAddConsumer(t, feed, sub, rec.record)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, offset := range []int{1, 3, 2, 3, 4} {
		fetcher.set(base.Add(time.Duration(offset) * time.Minute))
		feed.sched.service(context.Background(), sub)
	}

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	fps := fingerprints(rec.snapshot())
	for i := 1; i < len(fps); i++ {
		require.Greater(t, fps[i], fps[i-1])
	}
	require.Equal(t, int64(2), feed.Stats().StaleCycles)
}

func TestStaleFingerprintExhaustsRetryLimit(t *testing.T) {
	fetcher := newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	feed, _ := newTestFeed(t, fetcher, func(o *Options) {
		o.RetryLimit = 50
		o.RetryDelay = time.Millisecond
	})
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	rec := new(recorder)
	mustAddConsumer(t, feed, sub, rec.record)

	feed.sched.service(context.Background(), sub)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), fetcher.calls.Load())

	feed.sched.service(context.Background(), sub)
	require.Equal(t, int64(51), fetcher.calls.Load())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	registered, err := feed.Subscription(context.Background(), sub.Key())
	require.NoError(t, err)
	require.Same(t, sub, registered)
	require.Equal(t, int64(1), feed.Stats().StaleCycles)

	incidents := feed.DeadLetters().Snapshot()
	require.NotEmpty(t, incidents)
	require.Equal(t, observability.IncidentStaleExhausted, incidents[len(incidents)-1].Type)
}

func TestFetchErrorsAreCycleLocal(t *testing.T) {
	fetcher := newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	feed, _ := newTestFeed(t, fetcher, nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	rec := new(recorder)
	mustAddConsumer(t, feed, sub, rec.record)

	fetcher.fail(errs.New("test/fetch", errs.CodeNetwork, errs.WithMessage("connection reset")))
	feed.sched.service(context.Background(), sub)
	require.Equal(t, int64(1), fetcher.calls.Load())
	require.Equal(t, int64(1), feed.Stats().FetchErrors)
	require.Zero(t, rec.count())
	require.True(t, sub.Fingerprint().IsZero())

	fetcher.fail(nil)
	feed.sched.service(context.Background(), sub)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailingCallbacksDoNotAffectSiblings(t *testing.T) {
	fetcher := newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	feed, _ := newTestFeed(t, fetcher, nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)

	mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error {
		return errors.New("boom")
	})
	mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error {
		panic("callback exploded")
	})
	rec := new(recorder)
	healthy := mustAddConsumer(t, feed, sub, rec.record)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		fetcher.set(base.Add(time.Duration(i) * time.Minute))
		feed.sched.service(context.Background(), sub)
	}

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return feed.Stats().CallbackErrors == 4 }, time.Second, 5*time.Millisecond)
	for _, c := range sub.Consumers() {
		require.Equal(t, ConsumerRunning, c.State())
	}
	require.Equal(t, ConsumerRunning, healthy.State())
	require.NotEqual(t, SchedulerStopped, feed.SchedulerState())
}

func TestSlowConsumerDropsWithoutStallingSiblings(t *testing.T) {
	fetcher := newScriptedFetcher(testStart)
	feed, _ := newTestFeed(t, fetcher, func(o *Options) {
		o.InboxSize = 1
		o.PushTimeout = 20 * time.Millisecond
	})
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)

	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	rec := new(recorder)
	mustAddConsumer(t, feed, sub, rec.record)
	t.Cleanup(func() { close(release) })

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fetcher.set(base)
	feed.sched.service(context.Background(), sub)
	<-entered

	for i := 1; i <= 3; i++ {
		fetcher.set(base.Add(time.Duration(i) * time.Minute))
		started := time.Now()
		feed.sched.service(context.Background(), sub)
		require.Less(t, time.Since(started), 500*time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.count() == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), feed.Stats().Dropped)

	var dropped int
	for _, incident := range feed.DeadLetters().Snapshot() {
		if incident.Type == observability.IncidentDeliveryDropped {
			dropped++
			require.NotEmpty(t, incident.Consumer)
		}
	}
	require.Equal(t, 2, dropped)
}

func TestUnsubscribeStopsConsumersAndIsIdempotent(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval5Minute)
	first := mustAddConsumer(t, feed, sub, new(recorder).record)
	second := mustAddConsumer(t, feed, sub, new(recorder).record)

	require.NoError(t, feed.Unsubscribe(context.Background(), sub))
	require.Equal(t, ConsumerStopped, first.State())
	require.Equal(t, ConsumerStopped, second.State())
	require.True(t, sub.Removed())
	require.Empty(t, sub.Consumers())

	_, err := feed.Subscription(context.Background(), sub.Key())
	require.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, feed.Unsubscribe(context.Background(), sub))

	_, err = feed.AddConsumer(context.Background(), sub, new(recorder).record)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	fresh := mustSubscribe(t, feed, "BTCUSDT", schema.Interval5Minute)
	require.NotSame(t, sub, fresh)
	require.Zero(t, feed.Stats().Consumers)
}

func TestRemoveConsumerLifecycle(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)
	sub := mustSubscribe(t, feed, "ETHUSDT", schema.Interval1Hour)
	first := mustAddConsumer(t, feed, sub, new(recorder).record)
	second := mustAddConsumer(t, feed, sub, new(recorder).record)
	require.Equal(t, 2, feed.Stats().Consumers)

	require.NoError(t, feed.RemoveConsumer(context.Background(), first))
	require.Equal(t, ConsumerStopped, first.State())
	require.NoError(t, feed.RemoveConsumer(context.Background(), first))
	require.Equal(t, []*Consumer{second}, sub.Consumers())
	require.False(t, sub.Removed())

	require.NoError(t, feed.RemoveConsumer(context.Background(), second))
	require.True(t, sub.Removed())
	_, err := feed.Subscription(context.Background(), sub.Key())
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Zero(t, feed.Stats().Consumers)
}

func TestRemoveConsumerReturnsTimeoutForStraggler(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), func(o *Options) {
		o.JoinTimeout = 50 * time.Millisecond
	})
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	stuck := mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	feed.sched.service(context.Background(), sub)
	<-entered

	err := feed.RemoveConsumer(context.Background(), stuck)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.Equal(t, ConsumerStopping, stuck.State())

	var straggler bool
	for _, incident := range feed.DeadLetters().Snapshot() {
		if incident.Type == observability.IncidentConsumerStraggler {
			straggler = true
		}
	}
	require.True(t, straggler)

	require.Equal(t, 1, feed.Stats().Consumers)

	close(release)
	require.Eventually(t, func() bool { return stuck.State() == ConsumerStopped }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return feed.Stats().Consumers == 0 }, time.Second, 5*time.Millisecond)
}

func TestRemoveLastConsumerRetiresBeforeJoin(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	busy := mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	feed.sched.service(context.Background(), sub)
	<-entered

	removed := make(chan error, 1)
	go func() { removed <- feed.RemoveConsumer(context.Background(), busy) }()

	// The old handle is retired while its last worker is still draining.
	require.Eventually(t, sub.Removed, time.Second, 5*time.Millisecond)
	_, err := feed.AddConsumer(context.Background(), sub, new(recorder).record)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	fresh := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	require.NotSame(t, sub, fresh)
	late := mustAddConsumer(t, feed, fresh, new(recorder).record)

	close(release)
	require.NoError(t, <-removed)
	require.Equal(t, ConsumerStopped, busy.State())
	require.Equal(t, ConsumerRunning, late.State())
	require.False(t, fresh.Removed())

	registered, err := feed.Subscription(context.Background(), fresh.Key())
	require.NoError(t, err)
	require.Same(t, fresh, registered)
	require.Equal(t, []*Consumer{late}, fresh.Consumers())
}

func TestBusyRegistryLeavesSubscriptionIntact(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), func(o *Options) {
		o.OperationTimeout = 20 * time.Millisecond
	})
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Hour)
	first := mustAddConsumer(t, feed, sub, new(recorder).record)

	require.NoError(t, feed.reg.lock(context.Background()))
	unsubErr := feed.Unsubscribe(context.Background(), sub)
	removeErr := feed.RemoveConsumer(context.Background(), first)
	feed.reg.unlock()

	require.True(t, errs.Is(unsubErr, errs.CodeTimeout))
	require.True(t, errs.Is(removeErr, errs.CodeTimeout))
	require.False(t, sub.Removed())
	require.Equal(t, ConsumerRunning, first.State())
	require.Equal(t, []*Consumer{first}, sub.Consumers())

	same := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Hour)
	require.Same(t, sub, same)
	second := mustAddConsumer(t, feed, same, new(recorder).record)

	require.NoError(t, feed.Unsubscribe(context.Background(), sub))
	require.Equal(t, ConsumerStopped, first.State())
	require.Equal(t, ConsumerStopped, second.State())
	require.Zero(t, feed.Stats().Subscriptions)
}

func TestConcurrentConsumerChurn(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), func(o *Options) {
		o.OperationTimeout = 2 * time.Second
	})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				sub, err := feed.Subscribe(ctx, "BTCUSDT", "BINANCE", schema.Interval5Minute)
				if !assert.NoError(t, err) {
					return
				}
				c, err := feed.AddConsumer(ctx, sub, new(recorder).record)
				if errs.Is(err, errs.CodeNotFound) {
					// Another worker removed the handle between the two calls.
					assert.True(t, sub.Removed())
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				if i%4 == 0 && j%5 == 0 {
					assert.NoError(t, feed.Unsubscribe(ctx, sub))
				} else {
					assert.NoError(t, feed.RemoveConsumer(ctx, c))
				}
				assert.Eventually(t, func() bool { return c.State() == ConsumerStopped }, time.Second, time.Millisecond)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	subs, err := feed.Subscriptions(ctx)
	require.NoError(t, err)
	require.Empty(t, subs)
	require.Eventually(t, func() bool { return feed.Stats().Consumers == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewBucketWakesParkedScheduler(t *testing.T) {
	fetcher := newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	feed, clock := newTestFeed(t, fetcher, nil)

	daily := mustSubscribe(t, feed, "BTCUSDT", schema.IntervalDaily)
	dailyRec := new(recorder)
	mustAddConsumer(t, feed, daily, dailyRec.record)
	// Parked on the next midnight.
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	minute := mustSubscribe(t, feed, "ETHUSDT", schema.Interval1Minute)
	rec := new(recorder)
	mustAddConsumer(t, feed, minute, rec.record)
	require.Eventually(t, func() bool { return clock.Pending() == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "ETHUSDT", rec.snapshot()[0].Symbol)
	require.Zero(t, dailyRec.count())
}

func TestShutdownIsBoundedWithBlockedCallback(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), func(o *Options) {
		o.JoinTimeout = 100 * time.Millisecond
		o.SchedulerJoinTimeout = 200 * time.Millisecond
	})
	subs := []*Subscription{
		mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute),
		mustSubscribe(t, feed, "ETHUSDT", schema.Interval1Hour),
	}
	for _, sub := range subs {
		for i := 0; i < 3; i++ {
			mustAddConsumer(t, feed, sub, new(recorder).record)
		}
	}

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{}, 1)
	mustAddConsumer(t, feed, subs[0], func(context.Context, *Subscription, schema.Bar) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	feed.sched.service(context.Background(), subs[0])
	<-entered

	started := time.Now()
	err := feed.Shutdown(context.Background())
	elapsed := time.Since(started)

	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.Less(t, elapsed, 300*time.Millisecond+200*time.Millisecond)
	require.Equal(t, SchedulerStopped, feed.SchedulerState())

	for _, sub := range subs {
		require.True(t, sub.Removed())
	}
	require.Equal(t, err, feed.Shutdown(context.Background()))
}

func TestShutdownIsIdempotent(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Minute)
	c := mustAddConsumer(t, feed, sub, new(recorder).record)

	require.NoError(t, feed.Shutdown(context.Background()))
	require.NoError(t, feed.Shutdown(context.Background()))
	require.Equal(t, ConsumerStopped, c.State())
	require.Equal(t, SchedulerStopped, feed.SchedulerState())

	_, err := feed.Subscribe(context.Background(), "ETHUSDT", "BINANCE", schema.Interval1Minute)
	require.True(t, errs.Is(err, errs.CodeShuttingDown))
	_, err = feed.AddConsumer(context.Background(), sub, new(recorder).record)
	require.True(t, errs.Is(err, errs.CodeShuttingDown))

	require.NoError(t, feed.RemoveConsumer(context.Background(), c))
	require.NoError(t, feed.Unsubscribe(context.Background(), sub))
}

type historySource struct {
	*scriptedFetcher
}

func (h historySource) FetchHistory(_ context.Context, key schema.Key, bars int) ([]schema.Bar, error) {
	out := make([]schema.Bar, 0, bars)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < bars; i++ {
		out = append(out, testBar(key, start.Add(time.Duration(i)*key.Interval.Length())))
	}
	return out, nil
}

func TestHistory(t *testing.T) {
	k := key(t, "BTCUSDT", schema.Interval1Hour)

	plain, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)
	_, err := plain.History(context.Background(), k, 10)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	feed, _ := newTestFeed(t, historySource{newScriptedFetcher(testStart)}, nil)
	bars, err := feed.History(context.Background(), k, 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	require.Equal(t, time.Hour, bars[1].Time.Sub(bars[0].Time))

	_, err = feed.History(context.Background(), k, 0)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil, Options{})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = New(newScriptedFetcher(testStart), Options{RetryLimit: -1})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestOptionsNormaliseAppliesDefaults(t *testing.T) {
	opts := Options{RetryLimit: 7}.normalise()
	require.Equal(t, 7, opts.RetryLimit)
	require.Equal(t, DefaultRetryDelay, opts.RetryDelay)
	require.Equal(t, DefaultPushTimeout, opts.PushTimeout)
	require.Equal(t, DefaultInboxSize, opts.InboxSize)
	require.NotNil(t, opts.Logger)
	require.NotNil(t, opts.Clock)
	require.NotNil(t, opts.DLQ)
}
