package livefeed

import (
	"context"
	"time"

	"github.com/coachpo/livefeed/internal/domain/schema"
)

// Fetcher retrieves the most recent bar for a key. Implementations own their
// transport retries; any error they return is treated as local to one wake cycle.
type Fetcher interface {
	FetchLatestBar(ctx context.Context, key schema.Key, timeout time.Duration) (schema.Bar, error)
}

// HistoryFetcher is implemented by sources that can serve past bars.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, key schema.Key, bars int) ([]schema.Bar, error)
}

// Authenticator yields a session token for sources that need one.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (string, error)

// Authenticate calls f(ctx).
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (string, error) { return f(ctx) }

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key schema.Key, timeout time.Duration) (schema.Bar, error)

// FetchLatestBar calls f(ctx, key, timeout).
func (f FetcherFunc) FetchLatestBar(ctx context.Context, key schema.Key, timeout time.Duration) (schema.Bar, error) {
	return f(ctx, key, timeout)
}

// Callback receives every new bar delivered to a consumer. A returned error or a
// panic is logged and counted; the consumer keeps running.
type Callback func(ctx context.Context, sub *Subscription, bar schema.Bar) error
