package config

import "strings"

// Environment identifies the runtime environment where livefeed operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SourceAdapter names a supported bar source.
type SourceAdapter string

const (
	// SourceBinance fetches klines from the Binance REST API.
	SourceBinance SourceAdapter = "binance"
	// SourceFake synthesises bars locally.
	SourceFake SourceAdapter = "fake"
)

// Sink names a consumer sink that subscriptions may attach.
type Sink string

const (
	SinkLog     Sink = "log"
	SinkJSONL   Sink = "jsonl"
	SinkArchive Sink = "archive"
	SinkScript  Sink = "script"
)

func normaliseIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
