// Package fake provides a deterministic synthetic bar source for demos and tests.
package fake

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

const (
	defaultName      = "fake"
	defaultBasePrice = 100
	priceAmplitude   = 0.015
	maxHistory       = 1000
)

// Options configures the fake source.
type Options struct {
	Name string
	Seed int64
	// BasePrice anchors every synthetic series; zero selects a per-symbol default.
	BasePrice decimal.Decimal
	// Lag delays publication of a bar after its period closes, so early fetches
	// keep returning the previous bar.
	Lag time.Duration
	Now func() time.Time
}

// Source synthesises OHLCV bars aligned to interval boundaries. The bar for a
// given period is a pure function of seed, key, and period, so repeated fetches
// return identical values.
type Source struct {
	name  string
	seed  int64
	base  decimal.Decimal
	lag   time.Duration
	now   func() time.Time
	calls atomic.Int64
}

// New constructs a fake source with defaults applied.
func New(opts Options) *Source {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lag := opts.Lag
	if lag < 0 {
		lag = 0
	}
	return &Source{
		name: name,
		seed: opts.Seed,
		base: opts.BasePrice,
		lag:  lag,
		now:  now,
	}
}

// Name returns the source identifier.
func (s *Source) Name() string { return s.name }

// Calls reports how many fetches the source has served.
func (s *Source) Calls() int64 { return s.calls.Load() }

// FetchLatestBar returns the newest published bar for the key.
func (s *Source) FetchLatestBar(ctx context.Context, key schema.Key, _ time.Duration) (schema.Bar, error) {
	if err := ctx.Err(); err != nil {
		return schema.Bar{}, errs.New("fake/latest", errs.CodeTimeout, errs.WithCause(err))
	}
	s.calls.Add(1)
	length := key.Interval.Length()
	if length <= 0 {
		return schema.Bar{}, errs.New("fake/latest", errs.CodeInvalid,
			errs.WithField("interval", key.Interval.String()))
	}
	return s.bar(key, s.latestOpen(length)), nil
}

// FetchHistory returns the n most recent published bars, oldest first.
func (s *Source) FetchHistory(ctx context.Context, key schema.Key, n int) ([]schema.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("fake/history", errs.CodeTimeout, errs.WithCause(err))
	}
	if n <= 0 {
		return nil, errs.New("fake/history", errs.CodeInvalid, errs.WithMessage("bars must be >0"))
	}
	if n > maxHistory {
		n = maxHistory
	}
	length := key.Interval.Length()
	if length <= 0 {
		return nil, errs.New("fake/history", errs.CodeInvalid,
			errs.WithField("interval", key.Interval.String()))
	}
	last := s.latestOpen(length)
	bars := make([]schema.Bar, n)
	for i := 0; i < n; i++ {
		bars[n-1-i] = s.bar(key, last.Add(-time.Duration(i)*length))
	}
	return bars, nil
}

// latestOpen returns the open time of the newest period that closed at least lag ago.
func (s *Source) latestOpen(length time.Duration) time.Time {
	published := s.now().Add(-s.lag)
	closedAt := schema.CeilBoundary(published, length)
	if closedAt.After(published) {
		closedAt = closedAt.Add(-length)
	}
	return closedAt.Add(-length)
}

func (s *Source) bar(key schema.Key, open time.Time) schema.Bar {
	base := s.basePrice(key.Symbol)
	period := float64(open.Unix()) / key.Interval.Length().Seconds()
	phase := s.phase(key)

	openPx := base.Mul(factor(period, phase))
	closePx := base.Mul(factor(period+1, phase))
	high := decimal.Max(openPx, closePx).Mul(decimal.NewFromFloat(1 + priceAmplitude/4))
	low := decimal.Min(openPx, closePx).Mul(decimal.NewFromFloat(1 - priceAmplitude/4))
	volume := decimal.NewFromFloat(10 + 5*math.Abs(math.Cos(period+phase)))

	return schema.Bar{
		Symbol:   key.Symbol,
		Exchange: key.Exchange,
		Interval: key.Interval,
		Time:     open.UTC(),
		Open:     openPx.Round(4),
		High:     high.Round(4),
		Low:      low.Round(4),
		Close:    closePx.Round(4),
		Volume:   volume.Round(4),
	}
}

func factor(period, phase float64) decimal.Decimal {
	return decimal.NewFromFloat(1 + priceAmplitude*math.Sin(period*0.7+phase))
}

func (s *Source) phase(key schema.Key) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.Exchange + ":" + key.Symbol))
	return float64((h.Sum64()+uint64(s.seed))%1000) / 100
}

func (s *Source) basePrice(symbol string) decimal.Decimal {
	if s.base.IsPositive() {
		return s.base
	}
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		return decimal.NewFromInt(60000)
	case strings.HasPrefix(symbol, "ETH"):
		return decimal.NewFromInt(2000)
	case strings.HasPrefix(symbol, "SOL"):
		return decimal.NewFromInt(150)
	default:
		return decimal.NewFromInt(defaultBasePrice)
	}
}
