// Package credential verifies the two credential classes accepted at the
// WebSocket edge: agent key-challenge/signature pairs and dashboard bearer
// tokens. Both verifiers resolve to the same Principal shape so the
// connection manager never branches on credential type past admission.
package credential

import "context"

// Role identifies which class of client a Principal belongs to.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDashboard Role = "dashboard"
)

// Principal is the resolved identity of a verified connection.
type Principal struct {
	PrincipalID  string
	TenantID     string
	Role         Role
	Capabilities []string // populated for agents only
}

// AgentKeyRecord is what the external credential store returns for an
// agent's declared public key.
type AgentKeyRecord struct {
	TenantID     string
	PublicKey    []byte
	Algorithm    string // e.g. "ed25519"
	Capabilities []string
}

// AgentKeyLookup is contract (ii) from spec.md §1: client-credential lookup
// (public key → tenant_id), scoped to agents. The gateway never writes
// through this interface.
type AgentKeyLookup interface {
	LookupAgentKey(ctx context.Context, principalID string) (*AgentKeyRecord, error)
}

// ChallengeStore tracks single-use agent login challenges. Consume reports
// whether the challenge existed and had not already been consumed; either
// way it deletes the entry so a challenge can never be replayed.
type ChallengeStore interface {
	Consume(ctx context.Context, principalID, challenge string) (bool, error)
}
