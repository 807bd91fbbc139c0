// Package gateway implements the WebSocket connection manager (C8,
// spec.md §4.8): accept, authenticate, frame loop, policy enforcement, and
// lifecycle events. It is the one component that touches every other
// package — C1 through C7 — and owns the state machine
//
//	NEW → AUTHENTICATING → ADMITTED → RUNNING → CLOSING → CLOSED
//	                     ↘ REJECTED → CLOSED
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/artcafe/pubsub-gateway/internal/telemetry"
	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/credential"
	"github.com/artcafe/pubsub-gateway/pkg/presence"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/router"
	"github.com/artcafe/pubsub-gateway/pkg/tenantquota"
)

// State is a connection's position in the C8 lifecycle.
type State int32

const (
	StateNew State = iota
	StateAuthenticating
	StateAdmitted
	StateRunning
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitted:
		return "admitted"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Manager wires every domain package into the connection lifecycle. One
// Manager is constructed per process and shared by every accepted
// connection.
type Manager struct {
	NodeID string
	Logger *slog.Logger

	AgentVerifier     *credential.AgentVerifier
	DashboardVerifier *credential.DashboardVerifier
	Oracle            *tenantquota.Oracle
	Registry          registry.Registry
	Router            *router.Router
	Bridge            backbone.Bridge
	Presence          *presence.Monitor

	HeartbeatTimeout time.Duration
	ConnectionTTL    time.Duration
	PublishTimeout   time.Duration
	RegistryTimeout  time.Duration

	// SendBuffer bounds each connection's outbound queue; a connection that
	// cannot drain it is disconnected rather than let memory grow unbounded.
	SendBuffer int
}

// NewManager constructs a Manager. Call sites fill in every field that
// participates in the connection lifecycle; SendBuffer defaults to 64 when
// left at zero.
func NewManager(nodeID string, logger *slog.Logger) *Manager {
	return &Manager{
		NodeID:     nodeID,
		Logger:     logger,
		SendBuffer: 64,
	}
}

// sendBuffer returns the configured send buffer size, defaulting to 64.
func (m *Manager) sendBuffer() int {
	if m.SendBuffer <= 0 {
		return 64
	}
	return m.SendBuffer
}

// connectionGaugeFor adapts C4's CountByTenant into the ConnectionGauge
// shape C3 expects, counting both agent and dashboard rows.
func connectionGaugeFor(reg registry.Registry) tenantquota.ConnectionGauge {
	return func(ctx context.Context, tenantID string) (int64, error) {
		return reg.CountByTenant(ctx, tenantID, "")
	}
}

// recordAdmitted and recordRejected centralize the metrics every admission
// path outcome updates.
func recordAdmitted(role credential.Role) {
	telemetry.ConnectionsAdmittedTotal.WithLabelValues(string(role)).Inc()
	telemetry.ConnectionsActive.WithLabelValues(string(role)).Inc()
}

func recordRejected(reason string) {
	telemetry.ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
}

func recordClosed(role credential.Role) {
	telemetry.ConnectionsActive.WithLabelValues(string(role)).Dec()
}
