package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/livefeed/internal/domain/barstore"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/livefeed/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract test skipped in -short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "livefeed"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/livefeed?sslmode=disable", host, port.Port())
}

func TestBarStoreContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Postgres may accept TCP before it accepts logins.
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		if err = migrations.Apply(ctx, dsn, "", nil); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	// Applying twice is a no-op.
	require.NoError(t, migrations.Apply(ctx, dsn, "", nil))

	pool, err := pgstore.OpenPool(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pgstore.ObservePoolMetrics(pool, "contract"))

	store := pgstore.NewBarStore(pool)
	key, err := schema.NewKey("BTCUSDT", "BINANCE", schema.Interval1Minute)
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		require.NoError(t, store.SaveBar(ctx, "fake", schema.Bar{
			Symbol: key.Symbol, Exchange: key.Exchange, Interval: key.Interval,
			Time: start.Add(time.Duration(i) * time.Minute),
			Open: price, High: price.Add(decimal.NewFromInt(1)), Low: price.Sub(decimal.NewFromInt(1)),
			Close: price, Volume: decimal.RequireFromString("1.5"),
		}))
	}

	// Upsert replaces values for an existing period.
	require.NoError(t, store.SaveBar(ctx, "binance", schema.Bar{
		Symbol: key.Symbol, Exchange: key.Exchange, Interval: key.Interval,
		Time: start, Open: decimal.NewFromInt(99), High: decimal.NewFromInt(99),
		Low: decimal.NewFromInt(99), Close: decimal.RequireFromString("99.125"), Volume: decimal.NewFromInt(2),
	}))

	records, err := store.ListBars(ctx, barstore.Query{Key: key})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, start, records[0].Time)
	require.True(t, decimal.RequireFromString("99.125").Equal(records[0].Close))
	require.Equal(t, "binance", records[0].Source)

	limited, err := store.ListBars(ctx, barstore.Query{Key: key, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, start.Add(time.Minute), limited[0].Time)

	ranged, err := store.ListBars(ctx, barstore.Query{Key: key, From: start.Add(time.Minute), To: start.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)

	require.NoError(t, migrations.Rollback(ctx, dsn, "", 1, nil))
}
