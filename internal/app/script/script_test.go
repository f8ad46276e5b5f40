package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (c *captureLogger) record(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, msg)
}

func (c *captureLogger) Debug(msg string, _ ...observability.Field) { c.record(msg) }
func (c *captureLogger) Info(msg string, _ ...observability.Field)  { c.record(msg) }
func (c *captureLogger) Warn(msg string, _ ...observability.Field)  { c.record(msg) }
func (c *captureLogger) Error(msg string, _ ...observability.Field) { c.record(msg) }

func sampleBar() schema.Bar {
	return schema.Bar{
		Symbol:   "BTCUSDT",
		Exchange: "BINANCE",
		Interval: schema.Interval1Minute,
		Time:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(105),
		Low:      decimal.NewFromInt(99),
		Close:    decimal.RequireFromString("104.5"),
		Volume:   decimal.NewFromInt(3),
	}
}

func TestLoadCompilesModuleFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Crossing.js")
	require.NoError(t, os.WriteFile(path, []byte(`module.exports = { onBar(bar) {} };`), 0o600))

	module, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "crossing", module.Name)
	require.Len(t, module.Hash, 64)

	_, err = Load(filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)
}

func TestCompileRequiresHandler(t *testing.T) {
	_, err := Compile("noop.js", []byte(`module.exports = { name: "noop" };`))
	require.ErrorIs(t, err, ErrHandlerMissing)

	_, err = Compile("broken.js", []byte(`module.exports = {`))
	require.Error(t, err)
}

func TestInstanceForwardsBarAndConsole(t *testing.T) {
	module, err := Compile("alerts.js", []byte(`
module.exports = {
  name: "alerts",
  onBar(bar, sub) {
    if (bar.close > 104) console.log("above", bar.symbol, bar.interval, sub);
  },
};`))
	require.NoError(t, err)
	require.Equal(t, "alerts", module.Name)

	logger := &captureLogger{}
	inst, err := NewInstance(module, logger, time.Second)
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.OnBar(context.Background(), "BINANCE:BTCUSDT", sampleBar()))
	require.Equal(t, []string{"above BTCUSDT 1 BINANCE:BTCUSDT"}, logger.entries)
}

func TestInstanceSurfacesThrownErrors(t *testing.T) {
	module, err := Compile("thrower.js", []byte(`module.exports = { onBar() { throw new Error("boom"); } };`))
	require.NoError(t, err)
	inst, err := NewInstance(module, observability.Nop(), time.Second)
	require.NoError(t, err)

	err = inst.OnBar(context.Background(), "x", sampleBar())
	require.ErrorContains(t, err, "boom")

	inst.Close()
	require.ErrorIs(t, inst.OnBar(context.Background(), "x", sampleBar()), ErrClosed)
}

func TestInstanceInterruptsRunawayHandler(t *testing.T) {
	module, err := Compile("spin.js", []byte(`
var calls = 0;
module.exports = { onBar() { calls++; if (calls === 1) { while (true) {} } } };`))
	require.NoError(t, err)
	inst, err := NewInstance(module, observability.Nop(), 50*time.Millisecond)
	require.NoError(t, err)
	defer inst.Close()

	err = inst.OnBar(context.Background(), "x", sampleBar())
	require.True(t, errors.Is(err, ErrInterrupted), "got %v", err)

	// The runtime stays usable after an interrupt.
	require.NoError(t, inst.OnBar(context.Background(), "x", sampleBar()))
}
