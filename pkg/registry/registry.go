// Package registry implements the cross-node connection and subscription
// registry (C4, spec.md §4.4): the only durable, shared-mutable store in
// the gateway. Every writer uses conditional or idempotent operations so
// concurrent nodes never corrupt each other's rows.
package registry

import (
	"context"
	"time"
)

// ConnectionType discriminates the two principal classes a registry row
// can describe.
type ConnectionType string

const (
	TypeAgent     ConnectionType = "agent"
	TypeDashboard ConnectionType = "dashboard"
)

// ConnectionRecord mirrors one row of the `connections` table.
type ConnectionRecord struct {
	PrincipalID   string
	Type          ConnectionType
	TenantID      string
	NodeID        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// SubscriptionRecord mirrors one row of the `subscriptions` table.
type SubscriptionRecord struct {
	Subject     string
	PrincipalID string
	NodeID      string
	SubscribedAt time.Time
}

// ErrNotRegistered is returned by Heartbeat when a principal has no
// current connection row — it must not be silently re-created, per
// spec.md §4.4's conditional-write requirement.
type ErrNotRegistered struct {
	PrincipalID string
}

func (e *ErrNotRegistered) Error() string {
	return "registry: principal " + e.PrincipalID + " is not registered"
}

// Registry is the narrow interface other components depend on, so C5/C7/C8
// never need to know it is backed by Redis.
type Registry interface {
	Register(ctx context.Context, rec ConnectionRecord, ttl time.Duration) error
	Heartbeat(ctx context.Context, principalID string, ttl time.Duration) error
	Unregister(ctx context.Context, principalID string) error

	AddSub(ctx context.Context, principalID, subject, nodeID string, ttl time.Duration) error
	RemoveSub(ctx context.Context, principalID, subject string) error

	QueryTenant(ctx context.Context, tenantID string, typeFilter ConnectionType) ([]ConnectionRecord, error)
	QuerySubject(ctx context.Context, subject string) ([]string, error)
	QueryNode(ctx context.Context, nodeID string) ([]ConnectionRecord, error)
	QueryPrincipalSubs(ctx context.Context, principalID string) ([]string, error)

	CountByTenant(ctx context.Context, tenantID string, typeFilter ConnectionType) (int64, error)

	// StaleConnections returns every connection record on any node whose
	// last heartbeat predates cutoff, for C5's sweep.
	StaleConnections(ctx context.Context, cutoff time.Time) ([]ConnectionRecord, error)
}
