package tenantquota

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store by reading the `tenants` table the
// external HTTP plane owns. The gateway issues no writes through this
// type.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LookupTenant reads a single tenant row by id.
func (s *PostgresStore) LookupTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	const query = `
		SELECT id, status, plan_tier,
		       max_agents, max_channels, max_concurrent_connections,
		       max_messages_per_day, max_api_calls_per_minute, max_storage_bytes,
		       expires_at
		FROM tenants
		WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, tenantID)

	var t Tenant
	var expiresAt *time.Time
	err := row.Scan(
		&t.ID, &t.Status, &t.PlanTier,
		&t.Limits.MaxAgents, &t.Limits.MaxChannels, &t.Limits.MaxConcurrentConns,
		&t.Limits.MaxMessagesPerDay, &t.Limits.MaxAPICallsPerMinute, &t.Limits.MaxStorageBytes,
		&expiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant row: %w", err)
	}
	t.ExpiresAt = expiresAt

	return &t, nil
}
