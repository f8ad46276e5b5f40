package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livefeed/internal/infra/telemetry"
)

// ObservePoolMetrics registers one observable gauge reporting pgx pool
// connections broken down by state (idle, acquired, constructing).
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "archive"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	}
	withState := func(state string) metric.MeasurementOption {
		attrs := append(append([]attribute.KeyValue(nil), base...), attribute.String("state", state))
		return metric.WithAttributes(attrs...)
	}
	idle, acquired, constructing := withState("idle"), withState("acquired"), withState("constructing")

	meter := otel.Meter("postgres.pool")
	_, err := meter.Int64ObservableGauge("livefeed.db.pool.connections",
		metric.WithDescription("Archive pool connections by state"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.IdleConns()), idle)
			observer.Observe(int64(stat.AcquiredConns()), acquired)
			observer.Observe(int64(stat.ConstructingConns()), constructing)
			return nil
		}),
	)
	return err
}
