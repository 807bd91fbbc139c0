// Package presence implements the heartbeat monitor (C5, spec.md §4.5): a
// periodic sweep that evicts stale connections and emits status-change
// events, safe to run redundantly on every node since all of its
// operations are idempotent.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/artcafe/pubsub-gateway/internal/telemetry"
	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/subject"
)

// heartbeatDebounce bounds how often RecordHeartbeat will actually write to
// the registry for the same principal. It is a write-amplification
// reducer only: Sweep's eviction decision reads the last_heartbeat the
// registry stores, which a debounced call leaves at most heartbeatDebounce
// older than the latest beacon.
const heartbeatDebounce = time.Second

// AgentStatusSink marks an agent online or offline in the external store.
// Dashboards never flip agent status (spec.md §9 open-question decision).
type AgentStatusSink interface {
	SetAgentStatus(ctx context.Context, tenantID, agentID string, online bool) error
}

// StatusEvent is the payload published on a tenant's status_changed subject.
type StatusEvent struct {
	PrincipalID string `json:"principal_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

// Monitor runs the periodic staleness sweep and records inbound
// heartbeats on behalf of C8.
type Monitor struct {
	registry         registry.Registry
	bridge           backbone.Bridge
	statusSink       AgentStatusSink
	logger           *slog.Logger
	cleanupInterval  time.Duration
	heartbeatTimeout time.Duration
	connectionTTL    time.Duration

	lastSeenMu sync.Mutex
	lastSeen   map[string]time.Time
}

// NewMonitor constructs a Monitor. statusSink may be nil if the external
// store has no agent-status concept to update.
func NewMonitor(reg registry.Registry, bridge backbone.Bridge, statusSink AgentStatusSink, logger *slog.Logger, cleanupInterval, heartbeatTimeout, connectionTTL time.Duration) *Monitor {
	return &Monitor{
		registry:         reg,
		bridge:           bridge,
		statusSink:       statusSink,
		logger:           logger,
		cleanupInterval:  cleanupInterval,
		heartbeatTimeout: heartbeatTimeout,
		connectionTTL:    connectionTTL,
		lastSeen:         make(map[string]time.Time),
	}
}

// Run starts the sweep loop; it blocks until ctx is cancelled. Grounded on
// the escalation engine's ticker-driven Run (pkg/escalation/engine.go).
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("heartbeat monitor started", "cleanup_interval", m.cleanupInterval, "heartbeat_timeout", m.heartbeatTimeout)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("heartbeat sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single eviction pass. Exported so tests and a one-shot
// "sweeper" process mode can invoke it directly without a ticker.
func (m *Monitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-m.heartbeatTimeout)

	stale, err := m.registry.StaleConnections(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scanning for stale connections: %w", err)
	}

	for _, rec := range stale {
		if err := m.evict(ctx, rec); err != nil {
			m.logger.Error("evicting stale connection", "principal_id", rec.PrincipalID, "error", err)
			continue
		}
	}

	return nil
}

// evict performs the three-step eviction spec.md §4.5 requires, in order:
// mark offline in the external store, unregister from C4, then publish
// the status-changed event. The ordering guarantee (spec.md §4.5) is that
// the event is published only after the registry write succeeds.
func (m *Monitor) evict(ctx context.Context, rec registry.ConnectionRecord) error {
	if rec.Type == registry.TypeAgent && m.statusSink != nil {
		if err := m.statusSink.SetAgentStatus(ctx, rec.TenantID, rec.PrincipalID, false); err != nil {
			m.logger.Error("marking agent offline in external store", "principal_id", rec.PrincipalID, "error", err)
		}
	}

	if err := m.registry.Unregister(ctx, rec.PrincipalID); err != nil {
		return fmt.Errorf("unregistering %s: %w", rec.PrincipalID, err)
	}
	m.Forget(rec.PrincipalID)

	telemetry.HeartbeatEvictionsTotal.Inc()
	telemetry.StatusTransitionsTotal.WithLabelValues("offline").Inc()

	return m.publishStatusChanged(ctx, rec.TenantID, rec.PrincipalID, "offline", "heartbeat_timeout")
}

// RecordHeartbeat extends a principal's TTL in the registry. It is called
// by C8 on every in-band `heartbeat` frame, and by the out-of-band
// presence-channel handler for agents that beacon directly over the
// backbone (spec.md §6, "Presence plane"). A *registry.ErrNotRegistered
// result means the principal has no live connection row — there is no
// heartbeat TTL to extend, so this is treated as a no-op rather than an
// error: the principal must re-admit through C8 to come back online.
func (m *Monitor) RecordHeartbeat(ctx context.Context, principalID string) error {
	if m.debounced(principalID) {
		return nil
	}

	err := m.registry.Heartbeat(ctx, principalID, m.connectionTTL)
	if _, ok := err.(*registry.ErrNotRegistered); ok {
		m.logger.Debug("heartbeat for unregistered principal ignored", "principal_id", principalID)
		return nil
	}
	return err
}

// debounced reports whether principalID had a heartbeat recorded within
// heartbeatDebounce, and if not, marks this call as the new last-seen
// time. It never skips the very first heartbeat after admission.
func (m *Monitor) debounced(principalID string) bool {
	now := time.Now()
	m.lastSeenMu.Lock()
	defer m.lastSeenMu.Unlock()

	last, ok := m.lastSeen[principalID]
	if ok && now.Sub(last) < heartbeatDebounce {
		return true
	}
	m.lastSeen[principalID] = now
	return false
}

// Forget drops principalID's debounce bookkeeping, called once a
// connection is torn down so the map doesn't grow for every principal
// that has ever connected.
func (m *Monitor) Forget(principalID string) {
	m.lastSeenMu.Lock()
	delete(m.lastSeen, principalID)
	m.lastSeenMu.Unlock()
}

// EmitOnline publishes the symmetric status_changed event C8 uses when a
// connection completes admission. Kept here (rather than in C8) so every
// status transition funnels through one place, satisfying the
// at-most-one-event-per-transition property (spec.md §8).
func (m *Monitor) EmitOnline(ctx context.Context, tenantID, principalID string) error {
	telemetry.StatusTransitionsTotal.WithLabelValues("online").Inc()
	return m.publishStatusChanged(ctx, tenantID, principalID, "online", "admitted")
}

// EmitOffline publishes the offline counterpart for a connection torn down
// by something other than the staleness sweep (a clean disconnect or a
// fatal mid-stream error), so the reason reported is accurate rather than
// reusing Sweep's "heartbeat_timeout" wording.
func (m *Monitor) EmitOffline(ctx context.Context, tenantID, principalID, reason string) error {
	telemetry.StatusTransitionsTotal.WithLabelValues("offline").Inc()
	return m.publishStatusChanged(ctx, tenantID, principalID, "offline", reason)
}

func (m *Monitor) publishStatusChanged(ctx context.Context, tenantID, principalID, status, reason string) error {
	if m.bridge == nil {
		return nil
	}
	payload, err := json.Marshal(StatusEvent{PrincipalID: principalID, Status: status, Reason: reason})
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}
	return m.bridge.Publish(ctx, subject.StatusChangedEvent(tenantID), payload)
}

// SubscribePresenceChannel wires the out-of-band presence plane: agents
// publishing heartbeats directly to `_heartbeat.<tenant>.<agent>` are
// treated identically to an in-band heartbeat frame (spec.md §6).
func (m *Monitor) SubscribePresenceChannel(ctx context.Context) error {
	if m.bridge == nil {
		return nil
	}
	_, err := m.bridge.Subscribe(ctx, "_heartbeat.>", func(subj string, _ []byte) {
		principalID := principalFromPresenceSubject(subj)
		if principalID == "" {
			return
		}
		if err := m.RecordHeartbeat(context.Background(), principalID); err != nil {
			m.logger.Error("recording presence-channel heartbeat", "subject", subj, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to presence channel: %w", err)
	}
	return nil
}

// principalFromPresenceSubject extracts the agent id from
// `_heartbeat.<tenant>.<agent>`.
func principalFromPresenceSubject(subj string) string {
	parts := strings.Split(subj, ".")
	if len(parts) != 3 || parts[0] != "_heartbeat" {
		return ""
	}
	return parts[2]
}
