package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKeyStore implements AgentKeyLookup against the external plane's
// `agent_keys` table, grounded on pkg/tenantquota's PostgresStore.
type PostgresKeyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyStore constructs a PostgresKeyStore over an existing pool.
func NewPostgresKeyStore(pool *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{pool: pool}
}

// LookupAgentKey fetches the declared public key, algorithm, tenant, and
// capability list for principalID.
func (s *PostgresKeyStore) LookupAgentKey(ctx context.Context, principalID string) (*AgentKeyRecord, error) {
	var tenantID, algorithm, pubKeyB64 string
	var capabilities []string

	row := s.pool.QueryRow(ctx,
		`SELECT tenant_id, algorithm, public_key, capabilities FROM agent_keys WHERE principal_id = $1`,
		principalID,
	)
	if err := row.Scan(&tenantID, &algorithm, &pubKeyB64, &capabilities); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying agent key for %s: %w", principalID, err)
	}

	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key for %s: %w", principalID, err)
	}

	return &AgentKeyRecord{
		TenantID:     tenantID,
		PublicKey:    pubKey,
		Algorithm:    algorithm,
		Capabilities: capabilities,
	}, nil
}
