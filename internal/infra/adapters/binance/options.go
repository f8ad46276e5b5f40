// Package binance implements the livefeed bar source over the Binance spot REST API.
package binance

import (
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/observability"
)

const (
	defaultAPIBaseURL        = "https://api.binance.com"
	defaultKlinesPath        = "/api/v3/klines"
	defaultName              = "binance"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRequestsPerMinute = 1200
	defaultBurst             = 10
	maxKlineLimit            = 1000
	apiKeyHeader             = "X-MBX-APIKEY"
)

// Options configure the Binance source.
type Options struct {
	Name              string
	BaseURL           string
	HTTPTimeout       time.Duration
	RequestsPerMinute int
	Burst             int

	// Authenticator supplies an optional API key sent as X-MBX-APIKEY.
	Authenticator livefeed.Authenticator
	HTTPClient    *http.Client
	Logger        observability.Logger
	// Now reports the current time; used to tell closed klines from the forming one.
	Now func() time.Time
}

func withDefaults(in Options) Options {
	if strings.TrimSpace(in.Name) == "" {
		in.Name = defaultName
	}
	in.BaseURL = strings.TrimRight(strings.TrimSpace(in.BaseURL), "/")
	if in.BaseURL == "" {
		in.BaseURL = defaultAPIBaseURL
	}
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.RequestsPerMinute <= 0 {
		in.RequestsPerMinute = defaultRequestsPerMinute
	}
	if in.Burst <= 0 {
		in.Burst = defaultBurst
	}
	if in.HTTPClient == nil {
		client := new(http.Client)
		client.Timeout = in.HTTPTimeout
		in.HTTPClient = client
	}
	if in.Logger == nil {
		in.Logger = observability.Log()
	}
	if in.Now == nil {
		in.Now = time.Now
	}
	return in
}

func (o Options) klinesEndpoint() string {
	return o.BaseURL + defaultKlinesPath
}
