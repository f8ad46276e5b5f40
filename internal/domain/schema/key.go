package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coachpo/livefeed/errs"
)

var (
	symbolPattern   = regexp.MustCompile(`^[A-Z0-9._!-]{1,32}$`)
	exchangePattern = regexp.MustCompile(`^[A-Z0-9_]{1,20}$`)
)

// Key identifies a unique subscription. Keys are comparable and safe to use as map keys.
type Key struct {
	Symbol   string
	Exchange string
	Interval Interval
}

// NewKey validates and normalises the subscription identity. Symbols may be given
// in the "EXCHANGE:SYMBOL" form, in which case the prefix must agree with the
// exchange argument or supplies it when the argument is empty.
func NewKey(symbol, exchange string, interval Interval) (Key, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	exch := strings.ToUpper(strings.TrimSpace(exchange))

	if prefix, rest, ok := strings.Cut(sym, ":"); ok {
		switch {
		case exch == "":
			exch = prefix
		case exch != prefix:
			return Key{}, invalidKey("symbol", symbol, fmt.Sprintf("exchange prefix %q does not match exchange %q", prefix, exch))
		}
		sym = rest
	}

	if sym == "" {
		return Key{}, invalidKey("symbol", symbol, "symbol must be a non-empty string")
	}
	if !symbolPattern.MatchString(sym) {
		return Key{}, invalidKey("symbol", symbol, "symbol must be 1-32 characters of A-Z, 0-9, '.', '_', '!', '-'")
	}
	if exch == "" {
		return Key{}, invalidKey("exchange", exchange, "exchange must be a non-empty string")
	}
	if !exchangePattern.MatchString(exch) {
		return Key{}, invalidKey("exchange", exchange, "exchange must be alphanumeric, 1-20 characters")
	}
	if !interval.Valid() {
		return Key{}, invalidInterval(string(interval))
	}
	return Key{Symbol: sym, Exchange: exch, Interval: interval}, nil
}

// Validate reports whether the key was built from normalised, supported values.
func (k Key) Validate() error {
	_, err := NewKey(k.Symbol, k.Exchange, k.Interval)
	return err
}

// Ticker returns the "EXCHANGE:SYMBOL" form used by upstream data sources.
func (k Key) Ticker() string {
	return k.Exchange + ":" + k.Symbol
}

func (k Key) String() string {
	return fmt.Sprintf("symbol=%s,exchange=%s,interval=%s", k.Symbol, k.Exchange, k.Interval)
}

// Slug renders the key as a path-safe identifier, e.g. BINANCE-BTCUSDT-1H.
func (k Key) Slug() string {
	return k.Exchange + "-" + k.Symbol + "-" + string(k.Interval)
}

// ParseSlug reverses Slug.
func ParseSlug(slug string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(slug), "-")
	if len(parts) < 3 {
		return Key{}, invalidKey("key", slug, "expected EXCHANGE-SYMBOL-INTERVAL")
	}
	exchange := parts[0]
	interval, err := ParseInterval(parts[len(parts)-1])
	if err != nil {
		return Key{}, err
	}
	symbol := strings.Join(parts[1:len(parts)-1], "-")
	return NewKey(symbol, exchange, interval)
}

func invalidKey(field, value, reason string) error {
	return errs.New("schema/key", errs.CodeInvalid,
		errs.WithMessage(reason),
		errs.WithField(field, value))
}
