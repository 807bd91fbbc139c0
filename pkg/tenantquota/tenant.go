// Package tenantquota is a read-through cache over the external tenant
// store, with Redis-backed usage counters and an in-process token bucket
// for burst smoothing (C3, spec.md §4.3).
package tenantquota

import (
	"context"
	"time"
)

// Status is the tenant's administrative state, owned entirely by the
// external HTTP plane; the gateway only reads it.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Limits holds the concrete per-tenant quotas enforced at admission and on
// every publish.
type Limits struct {
	MaxAgents            int64
	MaxChannels          int64
	MaxConcurrentConns   int64
	MaxMessagesPerDay    int64
	MaxAPICallsPerMinute int64
	MaxStorageBytes      int64
}

// Tenant is the subset of tenant-row data the gateway needs to make an
// admission decision.
type Tenant struct {
	ID        string
	Status    Status
	PlanTier  string
	Limits    Limits
	ExpiresAt *time.Time
}

// Active reports whether admit() may proceed for this tenant: status must
// be active and, if an expiry is set, it must be in the future.
func (t *Tenant) Active(now time.Time) bool {
	if t.Status != StatusActive {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Store is contract (i) from spec.md §1: tenant-and-quota lookup, owned
// and written by the external HTTP plane. The gateway never writes tenant
// rows through this interface.
type Store interface {
	LookupTenant(ctx context.Context, tenantID string) (*Tenant, error)
}

// UsageSink is contract (iii) from spec.md §1: a fire-and-forget usage
// counter sink for the external plane's own accounting. It is distinct
// from the Redis counters Oracle keeps for admission decisions.
type UsageSink interface {
	RecordUsage(ctx context.Context, tenantID, kind string, delta int64)
}

// Kind enumerates the admission dimensions spec.md §4.3 names.
type Kind string

const (
	KindConnection Kind = "connection"
	KindChannel    Kind = "channel"
	KindAPICall    Kind = "api_call"
	KindMessage    Kind = "message"
	KindStorage    Kind = "storage"
)
