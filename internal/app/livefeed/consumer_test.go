package livefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/livefeed/internal/domain/schema"
)

func printBar(context.Context, *Subscription, schema.Bar) error { return nil }

func TestConsumerNaming(t *testing.T) {
	feed, _ := newTestFeed(t, newScriptedFetcher(testStart), nil)
	sub := mustSubscribe(t, feed, "BTCUSDT", schema.Interval1Hour)

	named := mustAddConsumer(t, feed, sub, printBar)
	require.Equal(t, "printBar_BTCUSDT_BINANCE_1H", named.Name())
	require.Equal(t, "symbol=BTCUSDT,exchange=BINANCE,interval=1H,consumer=printBar_BTCUSDT_BINANCE_1H", named.String())
	require.NotEmpty(t, named.ID())

	anonymous := mustAddConsumer(t, feed, sub, func(context.Context, *Subscription, schema.Bar) error { return nil })
	require.Equal(t, "callback_BTCUSDT_BINANCE_1H", anonymous.Name())
	require.NotEqual(t, named.ID(), anonymous.ID())

	custom, err := feed.AddConsumer(context.Background(), sub, printBar, WithName("archive"))
	require.NoError(t, err)
	require.Equal(t, "archive", custom.Name())
	require.Same(t, sub, custom.Subscription())
}

func TestConsumerPushAfterStop(t *testing.T) {
	opts := testOptions(SystemClock()).normalise()
	metrics := newFeedMetrics(nil, "")
	sub := newSubscription(key(t, "BTCUSDT", schema.Interval1Minute))
	c := newConsumer(sub, printBar, opts, metrics)
	c.start()

	bar := testBar(sub.Key(), testStart)
	require.Equal(t, pushDelivered, c.push(bar, 0))

	c.requestStop()
	c.requestStop()
	require.Equal(t, pushClosed, c.push(bar, time.Second))
	require.NoError(t, c.join(context.Background(), time.Second))
	require.Equal(t, ConsumerStopped, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestConsumerPushDropsWhenInboxFull(t *testing.T) {
	opts := testOptions(SystemClock())
	opts.InboxSize = 1
	opts = opts.normalise()
	sub := newSubscription(key(t, "BTCUSDT", schema.Interval1Minute))
	// Never started, so the inbox never drains.
	c := newConsumer(sub, printBar, opts, newFeedMetrics(nil, ""))

	bar := testBar(sub.Key(), testStart)
	require.Equal(t, pushDelivered, c.push(bar, 0))
	require.Equal(t, pushDropped, c.push(bar, 0))

	started := time.Now()
	require.Equal(t, pushDropped, c.push(bar, 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "running", ConsumerRunning.String())
	require.Equal(t, "stopping", ConsumerStopping.String())
	require.Equal(t, "stopped", ConsumerStopped.String())
	require.Equal(t, "idle", SchedulerIdle.String())
	require.Equal(t, "fetching", SchedulerFetching.String())
	require.Equal(t, "shutting_down", SchedulerShuttingDown.String())
	require.Equal(t, "stopped", SchedulerStopped.String())
}
