// Command livefeed runs the live bar feed with its sinks and control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/app/script"
	"github.com/coachpo/livefeed/internal/app/sinks"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/infra/adapters/binance"
	"github.com/coachpo/livefeed/internal/infra/adapters/fake"
	"github.com/coachpo/livefeed/internal/infra/config"
	"github.com/coachpo/livefeed/internal/infra/persistence/migrations"
	"github.com/coachpo/livefeed/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/livefeed/internal/infra/server/http"
	"github.com/coachpo/livefeed/internal/infra/telemetry"
	"github.com/coachpo/livefeed/internal/observability"
)

const (
	defaultConfigPath            = "config/livefeed.yaml"
	serviceName                  = "livefeed"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	sinkShutdownTimeout          = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "livefeed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := observability.NewZapLogger(serviceName, appCfg.Logging.Level, appCfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	observability.SetLogger(zl)
	logger := observability.Log()
	logger.Info("configuration initialised",
		observability.String("environment", string(appCfg.Environment)),
		observability.String("source", string(appCfg.Source.Adapter)),
		observability.Field{Key: "subscriptions", Value: len(appCfg.Subscriptions)})

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	source, sourceName, err := buildSource(appCfg.Source)
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}
	feed, err := livefeed.New(source, feedOptions(appCfg.Feed, logger, sourceName))
	if err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	store, err := openArchive(ctx, logger, appCfg)
	if err != nil {
		_ = feed.Shutdown(context.Background())
		return fmt.Errorf("open archive: %w", err)
	}

	binder, err := buildBinder(appCfg, logger, sourceName, store)
	if err != nil {
		_ = feed.Shutdown(context.Background())
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("build sinks: %w", err)
	}

	if err := bootstrapSubscriptions(ctx, feed, binder, appCfg.Subscriptions); err != nil {
		logger.Error("bootstrap subscriptions failed", observability.Err(err))
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg, feed, binder)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("control API listening", observability.String("addr", apiServer.Addr))

	logger.Info("livefeed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		feed:        feed,
		feedTimeout: appCfg.Feed.ShutdownTimeout + appCfg.Feed.JoinTimeout,
		sinks:       binder,
		store:       store,
		telemetry:   telemetryProvider,
	})
	logger.Info("shutdown completed", observability.String("elapsed", time.Since(shutdownStart).String()))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to livefeed configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.String("endpoint", telemetryCfg.OTLPEndpoint),
			observability.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// buildSource returns the configured fetcher and its metric label.
func buildSource(cfg config.SourceConfig) (livefeed.Fetcher, string, error) {
	switch cfg.Adapter {
	case config.SourceBinance:
		opts := binance.Options{
			BaseURL:           cfg.Binance.BaseURL,
			HTTPTimeout:       cfg.Binance.HTTPTimeout,
			RequestsPerMinute: cfg.Binance.RequestsPerMinute,
			Burst:             cfg.Binance.Burst,
		}
		if envName := strings.TrimSpace(cfg.Binance.APIKeyEnv); envName != "" {
			opts.Authenticator = livefeed.AuthenticatorFunc(func(context.Context) (string, error) {
				return strings.TrimSpace(os.Getenv(envName)), nil
			})
		}
		src := binance.New(opts)
		return src, src.Name(), nil
	case config.SourceFake:
		opts := fake.Options{Seed: cfg.Fake.Seed, Lag: cfg.Fake.Lag}
		if raw := strings.TrimSpace(cfg.Fake.BasePrice); raw != "" {
			base, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, "", fmt.Errorf("fake base price %q: %w", raw, err)
			}
			opts.BasePrice = base
		}
		src := fake.New(opts)
		return src, src.Name(), nil
	default:
		return nil, "", fmt.Errorf("unsupported source adapter %q", cfg.Adapter)
	}
}

func feedOptions(cfg config.FeedConfig, logger observability.Logger, source string) livefeed.Options {
	opts := livefeed.DefaultOptions()
	opts.RetryLimit = cfg.RetryLimit
	opts.RetryDelay = cfg.RetryDelay
	opts.FetchTimeout = cfg.FetchTimeout
	opts.PushTimeout = cfg.PushTimeout
	opts.PollInterval = cfg.PollInterval
	opts.JoinTimeout = cfg.JoinTimeout
	opts.SchedulerJoinTimeout = cfg.ShutdownTimeout
	opts.OperationTimeout = cfg.OperationTimeout
	opts.InboxSize = cfg.InboxSize
	opts.FetchWorkers = cfg.FetchWorkers
	if cfg.DLQCapacity > 0 {
		opts.DLQ = observability.NewDeadLetterQueue(cfg.DLQCapacity)
	}
	opts.Logger = logger
	opts.Source = source
	return opts
}

// usesSink reports whether any configured subscription attaches kind.
func usesSink(subs []config.SubscriptionConfig, kind config.Sink) bool {
	for _, sub := range subs {
		for _, s := range sub.Sinks {
			if s == kind {
				return true
			}
		}
	}
	return false
}

// openArchive connects to Postgres when a DSN is configured. A nil store means
// the archive sink is unavailable.
func openArchive(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*postgres.Store, error) {
	if cfg.Database.DSN == "" {
		return nil, nil
	}
	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN, "", logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.OpenPool(ctx, postgres.PoolConfig{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, "archive"); err != nil {
		logger.Warn("pool metrics unavailable", observability.Err(err))
	}
	logger.Info("bar archive connected")
	return postgres.New(pool), nil
}

func buildBinder(cfg config.AppConfig, logger observability.Logger, sourceName string, store *postgres.Store) (*sinks.Binder, error) {
	binder := &sinks.Binder{Log: sinks.NewLog(logger)}

	if usesSink(cfg.Subscriptions, config.SinkJSONL) {
		jsonl, err := sinks.OpenJSONL(cfg.Consumers.JSONL.Path)
		if err != nil {
			return nil, err
		}
		binder.JSONL = jsonl
	}

	if path := cfg.Consumers.Script.Path; path != "" {
		module, err := script.Load(path)
		if err != nil {
			_ = binder.Close()
			return nil, err
		}
		instance, err := script.NewInstance(module, logger, cfg.Consumers.Script.Timeout)
		if err != nil {
			_ = binder.Close()
			return nil, err
		}
		binder.Script = sinks.NewScript(instance)
		logger.Info("script sink loaded",
			observability.String("script", module.Name),
			observability.String("hash", module.Hash))
	}

	if store != nil {
		binder.Archive = sinks.NewArchive(store.Bars(), sinks.ArchiveOptions{
			Source:       sourceName,
			WriteTimeout: cfg.Consumers.Archive.WriteTimeout,
			MaxAttempts:  cfg.Consumers.Archive.MaxRetries,
			Logger:       logger,
		})
	}
	return binder, nil
}

func bootstrapSubscriptions(ctx context.Context, feed *livefeed.Feed, binder *sinks.Binder, subs []config.SubscriptionConfig) error {
	var bootErrs []error
	for _, entry := range subs {
		interval, err := schema.ParseInterval(entry.Interval)
		if err != nil {
			bootErrs = append(bootErrs, err)
			continue
		}
		sub, err := feed.Subscribe(ctx, entry.Symbol, entry.Exchange, interval)
		if err != nil {
			bootErrs = append(bootErrs, err)
			continue
		}
		if _, err := binder.Bind(ctx, feed, sub, entry.Sinks); err != nil {
			bootErrs = append(bootErrs, fmt.Errorf("%s: %w", sub.Key().Slug(), err))
		}
	}
	return observability.AggregateErrors(observability.Log(), "bootstrap subscriptions", bootErrs)
}

func buildAPIServer(cfg config.AppConfig, feed *livefeed.Feed, binder *sinks.Binder) *http.Server {
	handler := httpserver.NewHandler(cfg.Environment, feed, binder, []config.Sink{config.SinkLog})
	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", observability.Err(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	feed        *livefeed.Feed
	feedTimeout time.Duration
	sinks       *sinks.Binder
	store       *postgres.Store
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.Err(err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.feed != nil {
		timeout := cfg.feedTimeout
		if timeout <= 0 {
			timeout = livefeed.DefaultSchedulerJoinTimeout + livefeed.DefaultJoinTimeout
		}
		shutdownStep("stopping feed", timeout, cfg.feed.Shutdown)
	}

	if cfg.sinks != nil {
		shutdownStep("closing sinks", sinkShutdownTimeout, func(context.Context) error {
			return cfg.sinks.Close()
		})
	}

	if cfg.store != nil {
		logger.Info("shutdown: closing archive pool")
		cfg.store.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
