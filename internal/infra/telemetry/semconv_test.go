package telemetry

import (
	"context"
	"testing"
)

func TestKeyAttributes(t *testing.T) {
	attrs := KeyAttributes("test", "BTCUSDT", "BINANCE", "1H")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[3].Key != AttrInterval || attrs[3].Value.AsString() != "1H" {
		t.Fatalf("unexpected interval attribute %v", attrs[3])
	}
}

func TestErrorAttributesOmitsEmptyType(t *testing.T) {
	if got := len(ErrorAttributes("test", "A", "B", "1", "")); got != 4 {
		t.Fatalf("expected 4 attributes without error type, got %d", got)
	}
	if got := len(ErrorAttributes("test", "A", "B", "1", "network")); got != 5 {
		t.Fatalf("expected 5 attributes with error type, got %d", got)
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	SetEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
	SetEnvironment(" Staging ")
	t.Cleanup(func() { SetEnvironment("") })
	if Environment() != "staging" {
		t.Fatalf("expected staging, got %q", Environment())
	}
}

func TestDisabledProviderUsesGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "test"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { SetEnvironment("") })
	if provider.Meter("livefeed") == nil {
		t.Fatal("expected meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
