package presence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStatusSink implements AgentStatusSink by updating the external
// plane's `agents` table, the same database pkg/tenantquota reads tenants
// from.
type PostgresStatusSink struct {
	pool *pgxpool.Pool
}

// NewPostgresStatusSink constructs a PostgresStatusSink.
func NewPostgresStatusSink(pool *pgxpool.Pool) *PostgresStatusSink {
	return &PostgresStatusSink{pool: pool}
}

// SetAgentStatus flips an agent row's online flag.
func (s *PostgresStatusSink) SetAgentStatus(ctx context.Context, tenantID, agentID string, online bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET online = $1, updated_at = now() WHERE tenant_id = $2 AND id = $3`,
		online, tenantID, agentID,
	)
	if err != nil {
		return fmt.Errorf("updating agent status for %s: %w", agentID, err)
	}
	return nil
}
