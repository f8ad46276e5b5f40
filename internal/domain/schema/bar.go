package schema

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Fingerprint identifies a bar within its series. Two bars with the same
// fingerprint describe the same period.
type Fingerprint int64

// IsZero reports whether no bar has been observed yet.
func (f Fingerprint) IsZero() bool { return f == 0 }

func (f Fingerprint) String() string { return strconv.FormatInt(int64(f), 10) }

// Bar is a single OHLCV observation for a subscription key. Bars are values and
// are never mutated after the fetcher returns them.
type Bar struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Interval Interval        `json:"interval"`
	Time     time.Time       `json:"time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Fingerprint derives the bar identity from its open time.
func (b Bar) Fingerprint() Fingerprint {
	if b.Time.IsZero() {
		return 0
	}
	return Fingerprint(b.Time.UnixNano())
}

// Key returns the subscription key the bar belongs to.
func (b Bar) Key() Key {
	return Key{Symbol: b.Symbol, Exchange: b.Exchange, Interval: b.Interval}
}

// IsZero reports whether the bar carries no timestamp.
func (b Bar) IsZero() bool { return b.Time.IsZero() }
