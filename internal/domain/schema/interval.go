// Package schema defines the canonical bar, interval, and subscription key types.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/livefeed/errs"
)

// Interval identifies a supported bar resolution.
type Interval string

// Supported intervals, keyed by their canonical wire value.
const (
	Interval1Minute  Interval = "1"
	Interval3Minute  Interval = "3"
	Interval5Minute  Interval = "5"
	Interval15Minute Interval = "15"
	Interval30Minute Interval = "30"
	Interval45Minute Interval = "45"
	Interval1Hour    Interval = "1H"
	Interval2Hour    Interval = "2H"
	Interval3Hour    Interval = "3H"
	Interval4Hour    Interval = "4H"
	IntervalDaily    Interval = "1D"
	IntervalWeekly   Interval = "1W"
	// IntervalMonthly uses a fixed 30 day length.
	IntervalMonthly Interval = "1M"
)

var intervalLengths = map[Interval]time.Duration{
	Interval1Minute:  time.Minute,
	Interval3Minute:  3 * time.Minute,
	Interval5Minute:  5 * time.Minute,
	Interval15Minute: 15 * time.Minute,
	Interval30Minute: 30 * time.Minute,
	Interval45Minute: 45 * time.Minute,
	Interval1Hour:    time.Hour,
	Interval2Hour:    2 * time.Hour,
	Interval3Hour:    3 * time.Hour,
	Interval4Hour:    4 * time.Hour,
	IntervalDaily:    24 * time.Hour,
	IntervalWeekly:   7 * 24 * time.Hour,
	IntervalMonthly:  30 * 24 * time.Hour,
}

// ordered for error messages and listings.
var supportedIntervals = []Interval{
	Interval1Minute, Interval3Minute, Interval5Minute, Interval15Minute,
	Interval30Minute, Interval45Minute, Interval1Hour, Interval2Hour,
	Interval3Hour, Interval4Hour, IntervalDaily, IntervalWeekly, IntervalMonthly,
}

var intervalAliases = map[string]Interval{
	"1MIN":  Interval1Minute,
	"3MIN":  Interval3Minute,
	"5MIN":  Interval5Minute,
	"15MIN": Interval15Minute,
	"30MIN": Interval30Minute,
	"45MIN": Interval45Minute,
	"60":    Interval1Hour,
	"120":   Interval2Hour,
	"180":   Interval3Hour,
	"240":   Interval4Hour,
	"D":     IntervalDaily,
	"W":     IntervalWeekly,
	"1MO":   IntervalMonthly,
	"MO":    IntervalMonthly,

	"IN_1_MINUTE":  Interval1Minute,
	"IN_3_MINUTE":  Interval3Minute,
	"IN_5_MINUTE":  Interval5Minute,
	"IN_15_MINUTE": Interval15Minute,
	"IN_30_MINUTE": Interval30Minute,
	"IN_45_MINUTE": Interval45Minute,
	"IN_1_HOUR":    Interval1Hour,
	"IN_2_HOUR":    Interval2Hour,
	"IN_3_HOUR":    Interval3Hour,
	"IN_4_HOUR":    Interval4Hour,
	"IN_DAILY":     IntervalDaily,
	"IN_WEEKLY":    IntervalWeekly,
	"IN_MONTHLY":   IntervalMonthly,
}

// SupportedIntervals returns every supported interval ordered by length.
func SupportedIntervals() []Interval {
	return append([]Interval(nil), supportedIntervals...)
}

// ParseInterval resolves canonical values ("1", "1H", "1M") and common aliases
// ("1m", "1h", "1d", "in_1_hour"). A lower-case "1m" means one minute and an
// upper-case "1M" means one month.
func ParseInterval(raw string) (Interval, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", invalidInterval(raw)
	}
	if _, ok := intervalLengths[Interval(trimmed)]; ok {
		return Interval(trimmed), nil
	}
	if minutes, ok := strings.CutSuffix(trimmed, "m"); ok {
		if iv := Interval(minutes); iv.Valid() && iv.Length() < time.Hour {
			return iv, nil
		}
		return "", invalidInterval(raw)
	}
	upper := strings.ToUpper(trimmed)
	if iv, ok := intervalAliases[upper]; ok {
		return iv, nil
	}
	if iv := Interval(upper); iv.Valid() && iv != IntervalMonthly {
		return iv, nil
	}
	return "", invalidInterval(raw)
}

// Valid reports whether the interval is one of the supported values.
func (i Interval) Valid() bool {
	_, ok := intervalLengths[i]
	return ok
}

// Length returns the interval duration; zero for unsupported values.
func (i Interval) Length() time.Duration {
	return intervalLengths[i]
}

func (i Interval) String() string { return string(i) }

// NextBoundary returns the first instant strictly after t that is an exact
// multiple of the interval length measured from the Unix epoch.
func (i Interval) NextBoundary(t time.Time) time.Time {
	return NextBoundary(t, i.Length())
}

// CeilBoundary returns ceil(t / length) * length on the Unix epoch.
func CeilBoundary(t time.Time, length time.Duration) time.Time {
	if length <= 0 {
		return t
	}
	n := t.UnixNano()
	l := int64(length)
	floor := n / l * l
	if n%l < 0 {
		floor -= l
	}
	if floor == n {
		return time.Unix(0, n).UTC()
	}
	return time.Unix(0, floor+l).UTC()
}

// NextBoundary returns the first multiple of length strictly after t.
func NextBoundary(t time.Time, length time.Duration) time.Time {
	if length <= 0 {
		return t
	}
	n := t.UnixNano()
	l := int64(length)
	floor := n / l * l
	if n%l < 0 {
		floor -= l
	}
	return time.Unix(0, floor+l).UTC()
}

func invalidInterval(raw string) error {
	names := make([]string, 0, len(supportedIntervals))
	for _, iv := range supportedIntervals {
		names = append(names, string(iv))
	}
	return errs.New("schema/interval", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("invalid interval %q; supported intervals: %s", raw, strings.Join(names, ", "))),
		errs.WithField("interval", raw))
}
