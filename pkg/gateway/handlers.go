package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/artcafe/pubsub-gateway/pkg/credential"
	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/tenantquota"
)

// AllowedOrigins configures the WebSocket upgrade's origin check. "*"
// disables the check entirely (the default, matching a gateway fronted by
// its own reverse proxy rather than a browser-trusted origin list).
type AllowedOrigins []string

func (a AllowedOrigins) allows(origin string) bool {
	for _, o := range a {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func newUpgrader(origins AllowedOrigins) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			return origins.allows(origin)
		},
	}
}

// Mount wires the agent and dashboard upgrade routes onto r.
func (m *Manager) Mount(r chi.Router, origins AllowedOrigins) {
	upgrader := newUpgrader(origins)
	r.Get("/agent/{agent_id}", m.serveAgent(upgrader))
	r.Get("/dashboard", m.serveDashboard(upgrader))
}

// serveAgent implements the NEW→AUTHENTICATING leg for agents: the
// handshake (C2) runs against query parameters before the socket is
// accepted, per spec.md §4.8.
func (m *Manager) serveAgent(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		agentID := chi.URLParam(r, "agent_id")
		challenge := r.URL.Query().Get("challenge")
		signature := r.URL.Query().Get("signature")

		principal, err := m.AgentVerifier.Verify(ctx, agentID, challenge, signature)
		if err != nil {
			m.rejectHTTP(w, "auth_failure", err)
			return
		}

		m.acceptAndAdmit(w, r, upgrader, principal, registry.TypeAgent)
	}
}

// serveDashboard implements the NEW→AUTHENTICATING leg for dashboards: a
// bearer token in the query string (spec.md §6 URL vocabulary).
func (m *Manager) serveDashboard(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := r.URL.Query().Get("token")

		principal, err := m.DashboardVerifier.Verify(ctx, token)
		if err != nil {
			m.rejectHTTP(w, "auth_failure", err)
			return
		}

		m.acceptAndAdmit(w, r, upgrader, principal, registry.TypeDashboard)
	}
}

// acceptAndAdmit performs AUTHENTICATING→ADMITTED: C3 lookup and
// admit(connection), C4 register, then the WebSocket upgrade and the
// welcome frame, finally handing the connection to its run loop.
func (m *Manager) acceptAndAdmit(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, principal *credential.Principal, connType registry.ConnectionType) {
	ctx := r.Context()

	tenant, err := m.Oracle.Lookup(ctx, principal.TenantID)
	if err != nil {
		recordRejected("tenant_inactive")
		m.rejectHTTP(w, "tenant_inactive", err)
		return
	}

	if err := m.Oracle.Admit(ctx, tenant, tenantquota.KindConnection); err != nil {
		recordRejected(string(gwerrors.KindOf(err)))
		m.rejectHTTP(w, "quota_exceeded", err)
		return
	}

	regCtx, cancel := context.WithTimeout(ctx, m.RegistryTimeout)
	rec := registry.ConnectionRecord{
		PrincipalID:   principal.PrincipalID,
		Type:          connType,
		TenantID:      principal.TenantID,
		NodeID:        m.NodeID,
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
	}
	err = m.Registry.Register(regCtx, rec, m.ConnectionTTL)
	cancel()
	if err != nil {
		recordRejected("registry_unavailable")
		m.rejectHTTP(w, "registry_unavailable", err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Logger.Error("websocket upgrade failed", "principal_id", principal.PrincipalID, "error", err)
		_ = m.Registry.Unregister(context.Background(), principal.PrincipalID)
		return
	}

	recordAdmitted(principal.Role)

	conn := newConn(m, ws, principal, tenant)
	conn.run(ctx)
}

// rejectHTTP responds to a failed admission with a plain JSON body and
// never upgrades the connection, matching the AUTHENTICATING→REJECTED leg
// of the state machine.
func (m *Manager) rejectHTTP(w http.ResponseWriter, code string, err error) {
	status := http.StatusUnauthorized
	switch gwerrors.KindOf(err) {
	case gwerrors.QuotaExceeded:
		status = http.StatusTooManyRequests
	case gwerrors.TenantInactive:
		status = http.StatusForbidden
	case gwerrors.RegistryUnavailable, gwerrors.Internal:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"` + code + `","message":"` + err.Error() + `"}`))
}
