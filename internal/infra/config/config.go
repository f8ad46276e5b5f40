// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig tunes the subscription scheduler and consumer workers.
type FeedConfig struct {
	RetryLimit       int           `yaml:"retryLimit"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
	PushTimeout      time.Duration `yaml:"pushTimeout"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	JoinTimeout      time.Duration `yaml:"joinTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
	InboxSize        int           `yaml:"inboxSize"`
	FetchWorkers     int           `yaml:"fetchWorkers"`
	DLQCapacity      int           `yaml:"dlqCapacity"`
}

// BinanceConfig configures the Binance REST source.
type BinanceConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Burst             int           `yaml:"burst"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	// APIKeyEnv names the environment variable holding an optional API key.
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// FakeSourceConfig configures the synthetic source.
type FakeSourceConfig struct {
	Seed      int64  `yaml:"seed"`
	BasePrice string `yaml:"basePrice"`
	// Lag delays publication of each bar after its period closes.
	Lag time.Duration `yaml:"lag"`
}

// SourceConfig selects and configures the bar source.
type SourceConfig struct {
	Adapter SourceAdapter    `yaml:"adapter"`
	Binance BinanceConfig    `yaml:"binance"`
	Fake    FakeSourceConfig `yaml:"fake"`
}

// SubscriptionConfig declares a subscription created at startup.
type SubscriptionConfig struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Exchange string `yaml:"exchange" json:"exchange"`
	Interval string `yaml:"interval" json:"interval"`
	Sinks    []Sink `yaml:"sinks" json:"sinks,omitempty"`
}

// JSONLSinkConfig configures the JSON-lines file sink.
type JSONLSinkConfig struct {
	Path string `yaml:"path"`
}

// ScriptSinkConfig configures the JavaScript sink.
type ScriptSinkConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// ArchiveSinkConfig configures the Postgres bar archive.
type ArchiveSinkConfig struct {
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
}

// ConsumersConfig configures the sinks subscriptions can attach.
type ConsumersConfig struct {
	JSONL   JSONLSinkConfig   `yaml:"jsonl"`
	Script  ScriptSinkConfig  `yaml:"script"`
	Archive ArchiveSinkConfig `yaml:"archive"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified livefeed configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment   Environment          `yaml:"environment"`
	Feed          FeedConfig           `yaml:"feed"`
	Source        SourceConfig         `yaml:"source"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Consumers     ConsumersConfig      `yaml:"consumers"`
	Database      DatabaseConfig       `yaml:"database"`
	APIServer     APIServerConfig      `yaml:"apiServer"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Feed: FeedConfig{
			RetryLimit:       50,
			RetryDelay:       100 * time.Millisecond,
			FetchTimeout:     10 * time.Second,
			PushTimeout:      5 * time.Second,
			PollInterval:     time.Second,
			JoinTimeout:      5 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			OperationTimeout: 5 * time.Second,
			InboxSize:        64,
			FetchWorkers:     8,
			DLQCapacity:      256,
		},
		Source: SourceConfig{
			Adapter: SourceFake,
			Binance: BinanceConfig{
				BaseURL:           "https://api.binance.com",
				RequestsPerMinute: 1200,
				Burst:             10,
				HTTPTimeout:       10 * time.Second,
				APIKeyEnv:         "BINANCE_API_KEY",
			},
			Fake: FakeSourceConfig{Seed: 1, BasePrice: "100"},
		},
		Consumers: ConsumersConfig{
			JSONL:   JSONLSinkConfig{Path: "bars.jsonl"},
			Script:  ScriptSinkConfig{Timeout: time.Second},
			Archive: ArchiveSinkConfig{WriteTimeout: 5 * time.Second, MaxRetries: 3},
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "livefeed",
			MetricInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads, overlays environment overrides, and validates an AppConfig from the YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
// Environment overrides apply in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(Default(), os.LookupEnv)
}

func finish(cfg AppConfig, lookup func(string) (string, bool)) (AppConfig, error) {
	if err := cfg.applyEnv(lookup); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv overlays LIVEFEED_* environment variables on top of file values.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", name, v)
		}
		*dst = n
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := parseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	env := string(c.Environment)
	str("LIVEFEED_ENV", &env)
	c.Environment = Environment(env)

	adapter := string(c.Source.Adapter)
	str("LIVEFEED_SOURCE", &adapter)
	c.Source.Adapter = SourceAdapter(adapter)

	str("LIVEFEED_DATABASE_DSN", &c.Database.DSN)
	str("LIVEFEED_API_ADDR", &c.APIServer.Addr)
	str("LIVEFEED_LOG_LEVEL", &c.Logging.Level)
	str("LIVEFEED_LOG_FORMAT", &c.Logging.Format)
	str("LIVEFEED_BINANCE_URL", &c.Source.Binance.BaseURL)

	for _, step := range []func() error{
		func() error { return integer("LIVEFEED_RETRY_LIMIT", &c.Feed.RetryLimit) },
		func() error { return duration("LIVEFEED_RETRY_DELAY", &c.Feed.RetryDelay) },
		func() error { return duration("LIVEFEED_FETCH_TIMEOUT", &c.Feed.FetchTimeout) },
		func() error { return duration("LIVEFEED_PUSH_TIMEOUT", &c.Feed.PushTimeout) },
		func() error { return duration("LIVEFEED_JOIN_TIMEOUT", &c.Feed.JoinTimeout) },
		func() error { return duration("LIVEFEED_SHUTDOWN_TIMEOUT", &c.Feed.ShutdownTimeout) },
		func() error { return integer("LIVEFEED_FETCH_WORKERS", &c.Feed.FetchWorkers) },
		func() error { return integer("LIVEFEED_REQUESTS_PER_MINUTE", &c.Source.Binance.RequestsPerMinute) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go duration strings and bare numbers of seconds.
func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normaliseIdentifier(string(c.Environment)))
	switch c.Environment {
	case "development":
		c.Environment = EnvDev
	case "production":
		c.Environment = EnvProd
	}
	c.Source.Adapter = SourceAdapter(normaliseIdentifier(string(c.Source.Adapter)))
	c.Source.Binance.BaseURL = strings.TrimRight(strings.TrimSpace(c.Source.Binance.BaseURL), "/")
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = normaliseIdentifier(c.Logging.Level)
	c.Logging.Format = normaliseIdentifier(c.Logging.Format)

	if c.Source.Binance.Burst <= 0 {
		c.Source.Binance.Burst = 1
	}
	if c.Consumers.JSONL.Path != "" {
		c.Consumers.JSONL.Path = filepath.Clean(strings.TrimSpace(c.Consumers.JSONL.Path))
	}
	if c.Consumers.Script.Path != "" {
		c.Consumers.Script.Path = filepath.Clean(strings.TrimSpace(c.Consumers.Script.Path))
	}

	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i := range c.Subscriptions {
		sub := &c.Subscriptions[i]
		sub.Symbol = strings.ToUpper(strings.TrimSpace(sub.Symbol))
		sub.Exchange = strings.ToUpper(strings.TrimSpace(sub.Exchange))
		sub.Interval = strings.TrimSpace(sub.Interval)
		id := sub.Symbol + "|" + sub.Exchange + "|" + sub.Interval
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate subscription %s:%s %s", sub.Exchange, sub.Symbol, sub.Interval)
		}
		seen[id] = struct{}{}
		sinks := make([]Sink, 0, len(sub.Sinks))
		for _, s := range sub.Sinks {
			sinks = append(sinks, Sink(normaliseIdentifier(string(s))))
		}
		sub.Sinks = sinks
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Feed.RetryLimit <= 0 {
		return fmt.Errorf("feed retryLimit must be >0")
	}
	if c.Feed.RetryDelay < 0 {
		return fmt.Errorf("feed retryDelay must be >=0")
	}
	if c.Feed.InboxSize < 0 || c.Feed.FetchWorkers < 0 {
		return fmt.Errorf("feed inboxSize and fetchWorkers must be >=0")
	}
	for name, d := range map[string]time.Duration{
		"fetchTimeout":     c.Feed.FetchTimeout,
		"pushTimeout":      c.Feed.PushTimeout,
		"joinTimeout":      c.Feed.JoinTimeout,
		"shutdownTimeout":  c.Feed.ShutdownTimeout,
		"operationTimeout": c.Feed.OperationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("feed %s must be >=0", name)
		}
	}

	switch c.Source.Adapter {
	case SourceFake:
	case SourceBinance:
		if c.Source.Binance.BaseURL == "" {
			return fmt.Errorf("source binance baseURL required")
		}
		if c.Source.Binance.RequestsPerMinute <= 0 {
			return fmt.Errorf("source binance requestsPerMinute must be >0")
		}
	default:
		return fmt.Errorf("source adapter must be one of binance, fake")
	}

	needsDB := false
	for _, sub := range c.Subscriptions {
		if sub.Symbol == "" || sub.Exchange == "" || sub.Interval == "" {
			return fmt.Errorf("subscriptions require symbol, exchange and interval")
		}
		for _, sink := range sub.Sinks {
			switch sink {
			case SinkLog:
			case SinkJSONL:
				if c.Consumers.JSONL.Path == "" {
					return fmt.Errorf("consumers jsonl path required when jsonl sink is used")
				}
			case SinkScript:
				if c.Consumers.Script.Path == "" {
					return fmt.Errorf("consumers script path required when script sink is used")
				}
			case SinkArchive:
				needsDB = true
			default:
				return fmt.Errorf("unknown sink %q", sink)
			}
		}
	}
	if needsDB && c.Database.DSN == "" {
		return fmt.Errorf("database dsn required when archive sink is used")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
