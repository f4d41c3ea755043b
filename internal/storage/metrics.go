package storage

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RegisterPoolMetrics registers OTEL observable gauges over the pgx pool
// stats. Call after telemetry.Init so the instruments land on the real
// meter provider. Registration failures are logged, never fatal.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("kiln/storage")

	total, err1 := meter.Int64ObservableGauge("db.pool.connections.total")
	idle, err2 := meter.Int64ObservableGauge("db.pool.connections.idle")
	acquired, err3 := meter.Int64ObservableGauge("db.pool.connections.acquired")
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			db.logger.Warn("storage: pool metrics instrument", "error", err)
			return
		}
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: pool metrics callback", "error", err)
	}
}
