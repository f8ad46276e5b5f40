package livefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
	"github.com/coachpo/livefeed/internal/testutil"
)

var testStart = time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC)

// scriptedFetcher returns a bar stamped with the currently configured time.
type scriptedFetcher struct {
	calls   atomic.Int64
	current atomic.Int64
	mu      sync.Mutex
	err     error
}

func newScriptedFetcher(ts time.Time) *scriptedFetcher {
	f := new(scriptedFetcher)
	f.set(ts)
	return f
}

func (f *scriptedFetcher) set(ts time.Time) { f.current.Store(ts.UnixNano()) }

func (f *scriptedFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *scriptedFetcher) FetchLatestBar(_ context.Context, key schema.Key, _ time.Duration) (schema.Bar, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return schema.Bar{}, err
	}
	return testBar(key, time.Unix(0, f.current.Load()).UTC()), nil
}

func testBar(key schema.Key, ts time.Time) schema.Bar {
	price := decimal.NewFromInt(ts.Unix() % 1000)
	return schema.Bar{
		Symbol:   key.Symbol,
		Exchange: key.Exchange,
		Interval: key.Interval,
		Time:     ts,
		Open:     price,
		High:     price.Add(decimal.NewFromInt(1)),
		Low:      price.Sub(decimal.NewFromInt(1)),
		Close:    price,
		Volume:   decimal.NewFromInt(10),
	}
}

// recorder collects delivered bars.
type recorder struct {
	mu   sync.Mutex
	bars []schema.Bar
}

func (r *recorder) record(_ context.Context, _ *Subscription, bar schema.Bar) error {
	r.mu.Lock()
	r.bars = append(r.bars, bar)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []schema.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Bar(nil), r.bars...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bars)
}

func testOptions(clock Clock) Options {
	return Options{
		RetryLimit:           5,
		RetryDelay:           time.Millisecond,
		FetchTimeout:         time.Second,
		PushTimeout:          50 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
		JoinTimeout:          500 * time.Millisecond,
		SchedulerJoinTimeout: 500 * time.Millisecond,
		OperationTimeout:     200 * time.Millisecond,
		InboxSize:            8,
		FetchWorkers:         4,
		Logger:               observability.Nop(),
		Clock:                clock,
	}
}

func newTestFeed(t *testing.T, fetcher Fetcher, mutate func(*Options)) (*Feed, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(testStart)
	opts := testOptions(clock)
	if mutate != nil {
		mutate(&opts)
	}
	feed, err := New(fetcher, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = feed.Shutdown(context.Background())
	})
	return feed, clock
}

func mustSubscribe(t *testing.T, feed *Feed, symbol string, interval schema.Interval) *Subscription {
	t.Helper()
	sub, err := feed.Subscribe(context.Background(), symbol, "BINANCE", interval)
	require.NoError(t, err)
	return sub
}

func mustAddConsumer(t *testing.T, feed *Feed, sub *Subscription, cb Callback) *Consumer {
	t.Helper()
	c, err := feed.AddConsumer(context.Background(), sub, cb)
	require.NoError(t, err)
	return c
}

func fingerprints(bars []schema.Bar) []schema.Fingerprint {
	out := make([]schema.Fingerprint, len(bars))
	for i, b := range bars {
		out[i] = b.Fingerprint()
	}
	return out
}
