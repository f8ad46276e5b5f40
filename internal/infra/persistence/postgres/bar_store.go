package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livefeed/internal/domain/barstore"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

const defaultListLimit = 500

// BarStore archives bars in PostgreSQL.
type BarStore struct {
	pool *pgxpool.Pool
}

var _ barstore.Store = (*BarStore)(nil)

// NewBarStore constructs a BarStore backed by the provided pgx pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const (
	barUpsertSQL = `
INSERT INTO bars (
    exchange,
    symbol,
    bar_interval,
    open_time,
    open,
    high,
    low,
    close,
    volume,
    source,
    received_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (exchange, symbol, bar_interval, open_time) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    source = EXCLUDED.source,
    received_at = NOW();
`
	barListSQL = `
SELECT open_time, open, high, low, close, volume, source, received_at
FROM bars
WHERE exchange = $1
  AND symbol = $2
  AND bar_interval = $3
  AND ($4::timestamptz IS NULL OR open_time >= $4)
  AND ($5::timestamptz IS NULL OR open_time < $5)
ORDER BY open_time DESC
LIMIT $6;
`
)

// SaveBar upserts a bar keyed by series and open time.
func (s *BarStore) SaveBar(ctx context.Context, source string, bar schema.Bar) error {
	if s.pool == nil {
		return fmt.Errorf("bar store: nil pool")
	}
	if bar.IsZero() {
		return fmt.Errorf("bar store: bar time required")
	}
	values, err := barNumerics(bar)
	if err != nil {
		return fmt.Errorf("bar store: %w", err)
	}
	if _, err := s.pool.Exec(ctx, barUpsertSQL,
		bar.Exchange,
		bar.Symbol,
		string(bar.Interval),
		bar.Time.UTC(),
		values[0], values[1], values[2], values[3], values[4],
		source,
	); err != nil {
		return fmt.Errorf("bar store: upsert: %w", err)
	}
	return nil
}

// ListBars returns archived bars for a series, oldest first.
func (s *BarStore) ListBars(ctx context.Context, query barstore.Query) ([]barstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bar store: nil pool")
	}
	if err := query.Key.Validate(); err != nil {
		return nil, fmt.Errorf("bar store: %w", err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx, barListSQL,
		query.Key.Exchange,
		query.Key.Symbol,
		string(query.Key.Interval),
		optionalTime(query.From),
		optionalTime(query.To),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("bar store: list: %w", err)
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (barstore.Record, error) {
		var (
			openTime, receivedAt time.Time
			nums                 [5]pgtype.Numeric
			source               string
		)
		if err := row.Scan(&openTime, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &source, &receivedAt); err != nil {
			return barstore.Record{}, err
		}
		bar := schema.Bar{
			Symbol:   query.Key.Symbol,
			Exchange: query.Key.Exchange,
			Interval: query.Key.Interval,
			Time:     openTime.UTC(),
		}
		targets := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range targets {
			v, err := decimalFromNumeric(nums[i])
			if err != nil {
				return barstore.Record{}, err
			}
			*dst = v
		}
		return barstore.Record{Bar: bar, Source: source, ReceivedAt: receivedAt.UTC()}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bar store: scan: %w", err)
	}

	// Newest-first for the LIMIT, oldest-first for callers.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func barNumerics(bar schema.Bar) ([5]pgtype.Numeric, error) {
	var out [5]pgtype.Numeric
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i, v := range [5]decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
		n, err := numericFromDecimal(v)
		if err != nil {
			return out, fmt.Errorf("%s: %w", names[i], err)
		}
		out[i] = n
	}
	return out, nil
}

func optionalTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
