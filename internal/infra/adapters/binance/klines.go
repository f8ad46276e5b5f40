package binance

import (
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livefeed/internal/domain/schema"
)

// Kline array layout:
//
//	[0] open time (ms)  [1] open  [2] high  [3] low  [4] close  [5] volume
//	[6] close time (ms) [7..11] quote volume, trades, taker volumes, ignore
const klineMinFields = 7

// kline pairs a bar with the instant it stops forming. Calendar intervals
// such as 1M vary in length, so the exchange's close time is authoritative.
type kline struct {
	bar      schema.Bar
	closesAt time.Time
}

func (k kline) closedBy(now time.Time) bool { return !k.closesAt.After(now) }

func decodeKlines(r io.Reader, key schema.Key) ([]kline, error) {
	var raw [][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]kline, 0, len(raw))
	for i, row := range raw {
		if len(row) < klineMinFields {
			return nil, fmt.Errorf("kline[%d] has %d fields, want >=%d", i, len(row), klineMinFields)
		}
		var openMs, closeMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("kline[%d] open time: %w", i, err)
		}
		if err := json.Unmarshal(row[6], &closeMs); err != nil {
			return nil, fmt.Errorf("kline[%d] close time: %w", i, err)
		}
		values := make([]decimal.Decimal, 5)
		for j := range values {
			v, err := parseDecimal(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline[%d] field %d: %w", i, j+1, err)
			}
			values[j] = v
		}
		out = append(out, kline{
			bar: schema.Bar{
				Symbol:   key.Symbol,
				Exchange: key.Exchange,
				Interval: key.Interval,
				Time:     time.UnixMilli(openMs).UTC(),
				Open:     values[0],
				High:     values[1],
				Low:      values[2],
				Close:    values[3],
				Volume:   values[4],
			},
			// Close time is the last millisecond of the period.
			closesAt: time.UnixMilli(closeMs + 1).UTC(),
		})
	}
	return out, nil
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
