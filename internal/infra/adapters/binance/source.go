package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// binanceIntervals maps livefeed intervals onto Binance kline intervals.
// 45 minute and 3 hour bars have no Binance equivalent.
var binanceIntervals = map[schema.Interval]string{
	schema.Interval1Minute:  "1m",
	schema.Interval3Minute:  "3m",
	schema.Interval5Minute:  "5m",
	schema.Interval15Minute: "15m",
	schema.Interval30Minute: "30m",
	schema.Interval1Hour:    "1h",
	schema.Interval2Hour:    "2h",
	schema.Interval4Hour:    "4h",
	schema.IntervalDaily:    "1d",
	schema.IntervalWeekly:   "1w",
	schema.IntervalMonthly:  "1M",
}

// Source fetches closed klines from Binance. It is safe for concurrent use.
type Source struct {
	opts    Options
	limiter *rate.Limiter
	metrics *sourceMetrics
}

// New constructs a Binance source.
func New(opts Options) *Source {
	opts = withDefaults(opts)
	perSecond := rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
	return &Source{
		opts:    opts,
		limiter: rate.NewLimiter(perSecond, opts.Burst),
		metrics: newSourceMetrics(opts.Name),
	}
}

// Name returns the configured source identifier.
func (s *Source) Name() string { return s.opts.Name }

// FetchLatestBar returns the most recent closed kline for the key.
func (s *Source) FetchLatestBar(ctx context.Context, key schema.Key, timeout time.Duration) (schema.Bar, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// The newest kline is usually still forming, so ask for two.
	rows, err := s.klines(ctx, "binance/latest", key, 2)
	if err != nil {
		return schema.Bar{}, err
	}
	now := s.opts.Now()
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].closedBy(now) {
			return rows[i].bar, nil
		}
	}
	return schema.Bar{}, errs.New("binance/latest", errs.CodeStale,
		errs.WithMessage("no closed kline available yet"),
		errs.WithField("symbol", key.Symbol))
}

// FetchHistory returns up to n closed klines, oldest first.
func (s *Source) FetchHistory(ctx context.Context, key schema.Key, n int) ([]schema.Bar, error) {
	if n <= 0 {
		return nil, errs.New("binance/history", errs.CodeInvalid, errs.WithMessage("bars must be >0"))
	}
	// One extra for the forming kline, which is trimmed below.
	limit := n + 1
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	rows, err := s.klines(ctx, "binance/history", key, limit)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	closed := make([]schema.Bar, 0, len(rows))
	for _, row := range rows {
		if row.closedBy(now) {
			closed = append(closed, row.bar)
		}
	}
	if len(closed) > n {
		closed = closed[len(closed)-n:]
	}
	return closed, nil
}

func (s *Source) klines(ctx context.Context, op string, key schema.Key, limit int) ([]kline, error) {
	interval, ok := binanceIntervals[key.Interval]
	if !ok {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("interval not served by binance"),
			errs.WithField("interval", key.Interval.String()))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errs.New(op, errs.CodeTimeout, errs.WithMessage("rate limit wait"), errs.WithCause(err))
	}

	endpoint, err := url.Parse(s.opts.klinesEndpoint())
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("parse klines endpoint"), errs.WithCause(err))
	}
	q := endpoint.Query()
	q.Set("symbol", key.Symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("create klines request"), errs.WithCause(err))
	}
	if s.opts.Authenticator != nil {
		apiKey, err := s.opts.Authenticator.Authenticate(ctx)
		if err != nil {
			return nil, errs.New(op, errs.CodeAuth, errs.WithMessage("authenticate"), errs.WithCause(err))
		}
		if apiKey != "" {
			req.Header.Set(apiKeyHeader, apiKey)
		}
	}

	started := time.Now()
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		wrapped := classifyTransportError(op, err)
		s.metrics.recordRequest(ctx, "klines", string(errs.CodeOf(wrapped)), time.Since(started))
		return nil, wrapped
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		wrapped := statusError(op, resp.StatusCode, strings.TrimSpace(string(body)))
		s.metrics.recordRequest(ctx, "klines", string(errs.CodeOf(wrapped)), time.Since(started))
		s.opts.Logger.Warn("binance klines request rejected",
			observability.String("symbol", key.Symbol),
			observability.String("interval", interval),
			observability.Field{Key: "status", Value: resp.StatusCode})
		return nil, wrapped
	}

	rows, err := decodeKlines(resp.Body, key)
	if err != nil {
		s.metrics.recordRequest(ctx, "klines", "decode_error", time.Since(started))
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("decode klines"), errs.WithCause(err))
	}
	s.metrics.recordRequest(ctx, "klines", "ok", time.Since(started))
	return rows, nil
}

func statusError(op string, status int, body string) error {
	code := errs.CodeNetwork
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		code = errs.CodeUnavailable
	case status == http.StatusBadRequest:
		code = errs.CodeInvalid
	case status >= 500:
		code = errs.CodeUnavailable
	}
	return errs.New(op, code,
		errs.WithMessage(fmt.Sprintf("klines unexpected status %d", status)),
		errs.WithField("body", body))
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(op, errs.CodeTimeout, errs.WithMessage("klines request timed out"), errs.WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(op, errs.CodeTimeout, errs.WithMessage("klines request timed out"), errs.WithCause(err))
	}
	return errs.New(op, errs.CodeNetwork, errs.WithMessage("klines request failed"), errs.WithCause(err))
}
