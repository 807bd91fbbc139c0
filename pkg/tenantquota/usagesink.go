package tenantquota

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUsageSink implements UsageSink by upserting into the external
// plane's `tenant_usage_counters` table. Failures are logged, never
// returned, since Account already calls this on its own goroutine.
type PostgresUsageSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresUsageSink constructs a PostgresUsageSink.
func NewPostgresUsageSink(pool *pgxpool.Pool, logger *slog.Logger) *PostgresUsageSink {
	return &PostgresUsageSink{pool: pool, logger: logger}
}

// RecordUsage increments the external plane's daily usage counter for
// (tenantID, kind) by delta.
func (s *PostgresUsageSink) RecordUsage(ctx context.Context, tenantID, kind string, delta int64) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_usage_counters (tenant_id, kind, day, count)
		VALUES ($1, $2, CURRENT_DATE, $3)
		ON CONFLICT (tenant_id, kind, day)
		DO UPDATE SET count = tenant_usage_counters.count + EXCLUDED.count
	`, tenantID, kind, delta)
	if err != nil {
		s.logger.Error("recording usage", "tenant_id", tenantID, "kind", kind, "error", err)
	}
}
