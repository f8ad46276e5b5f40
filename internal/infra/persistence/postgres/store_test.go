package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livefeed/internal/domain/barstore"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Bars() == nil {
		t.Fatalf("expected bar repository")
	}
	store.Close()
}

func TestBarStoreNilPool(t *testing.T) {
	store := NewBarStore(nil)
	ctx := context.Background()
	bar := schema.Bar{Symbol: "BTCUSDT", Exchange: "BINANCE", Interval: schema.Interval1Minute, Time: time.Now()}
	if err := store.SaveBar(ctx, "fake", bar); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListBars(ctx, barstore.Query{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOpenPoolRequiresDSN(t *testing.T) {
	if _, err := OpenPool(context.Background(), PoolConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := OpenPool(context.Background(), PoolConfig{DSN: "::not a dsn::"}); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}

func TestNumericRoundTrip(t *testing.T) {
	for _, raw := range []string{"0", "101.25", "-3.5", "0.00001234", "65000.1"} {
		in := decimal.RequireFromString(raw)
		n, err := numericFromDecimal(in)
		if err != nil {
			t.Fatalf("numericFromDecimal(%s): %v", raw, err)
		}
		out, err := decimalFromNumeric(n)
		if err != nil {
			t.Fatalf("decimalFromNumeric(%s): %v", raw, err)
		}
		if !out.Equal(in) {
			t.Fatalf("round trip mismatch: %s != %s", out, in)
		}
	}
}
