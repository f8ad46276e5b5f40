package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/infra/adapters/binance"
	"github.com/coachpo/livefeed/internal/infra/adapters/fake"
	"github.com/coachpo/livefeed/internal/infra/config"
	"github.com/coachpo/livefeed/internal/observability"
)

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
}

func TestBuildSourceSelectsAdapter(t *testing.T) {
	cfg := config.Default().Source

	src, name, err := buildSource(cfg)
	require.NoError(t, err)
	require.IsType(t, &fake.Source{}, src)
	require.Equal(t, "fake", name)

	cfg.Adapter = config.SourceBinance
	src, name, err = buildSource(cfg)
	require.NoError(t, err)
	require.IsType(t, &binance.Source{}, src)
	require.Equal(t, "binance", name)

	cfg.Adapter = config.SourceFake
	cfg.Fake.BasePrice = "not-a-number"
	_, _, err = buildSource(cfg)
	require.Error(t, err)

	cfg.Adapter = "kraken"
	_, _, err = buildSource(cfg)
	require.Error(t, err)
}

func TestFeedOptionsCopiesTuning(t *testing.T) {
	cfg := config.Default().Feed
	cfg.RetryLimit = 7
	cfg.RetryDelay = 250 * time.Millisecond
	cfg.ShutdownTimeout = 3 * time.Second
	cfg.DLQCapacity = 4

	opts := feedOptions(cfg, observability.Nop(), "fake")
	require.Equal(t, 7, opts.RetryLimit)
	require.Equal(t, 250*time.Millisecond, opts.RetryDelay)
	require.Equal(t, 3*time.Second, opts.SchedulerJoinTimeout)
	require.Equal(t, "fake", opts.Source)
	require.NotNil(t, opts.DLQ)
	require.NoError(t, opts.Validate())
}

func TestUsesSink(t *testing.T) {
	subs := []config.SubscriptionConfig{
		{Symbol: "BTCUSDT", Exchange: "BINANCE", Interval: "1H", Sinks: []config.Sink{config.SinkLog}},
		{Symbol: "ETHUSDT", Exchange: "BINANCE", Interval: "1D", Sinks: []config.Sink{config.SinkJSONL}},
	}
	require.True(t, usesSink(subs, config.SinkJSONL))
	require.False(t, usesSink(subs, config.SinkArchive))
}

func TestBootstrapSubscriptionsBindsSinks(t *testing.T) {
	cfg := config.Default()
	cfg.Consumers.JSONL.Path = filepath.Join(t.TempDir(), "bars.jsonl")
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Symbol: "BTCUSDT", Exchange: "BINANCE", Interval: "1H", Sinks: []config.Sink{config.SinkLog, config.SinkJSONL}},
		{Symbol: "ETHUSDT", Exchange: "BINANCE", Interval: "1D", Sinks: []config.Sink{config.SinkArchive}},
	}

	opts := feedOptions(cfg.Feed, observability.Nop(), "fake")
	feed, err := livefeed.New(fake.New(fake.Options{}), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Shutdown(context.Background()) })

	binder, err := buildBinder(cfg, observability.Nop(), "fake", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = binder.Close() })
	require.NotNil(t, binder.JSONL)
	require.Nil(t, binder.Archive)

	err = bootstrapSubscriptions(context.Background(), feed, binder, cfg.Subscriptions)
	require.ErrorContains(t, err, "archive")

	subs, err := feed.Subscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		if sub.Symbol() == "BTCUSDT" {
			require.Len(t, sub.Consumers(), 2)
		}
	}
}
