package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeStatusSink struct {
	calls []struct {
		tenantID, agentID string
		online            bool
	}
}

func (f *fakeStatusSink) SetAgentStatus(_ context.Context, tenantID, agentID string, online bool) error {
	f.calls = append(f.calls, struct {
		tenantID, agentID string
		online            bool
	}{tenantID, agentID, online})
	return nil
}

func newTestEnv(t *testing.T) (*registry.RedisRegistry, *backbone.RedisBridge) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.NewRedisRegistry(rdb)
	bridge := backbone.NewRedisBridge(rdb, 50*time.Millisecond, testLogger())
	t.Cleanup(func() { _ = bridge.Close() })

	return reg, bridge
}

func TestMonitor_Sweep_EvictsStaleConnection(t *testing.T) {
	reg, bridge := newTestEnv(t)
	ctx := context.Background()

	stale := registry.ConnectionRecord{
		PrincipalID:   "A1",
		Type:          registry.TypeAgent,
		TenantID:      "T1",
		NodeID:        "N1",
		LastHeartbeat: time.Now().Add(-2 * time.Hour),
	}
	if err := reg.Register(ctx, stale, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sink := &fakeStatusSink{}
	var received []string
	if _, err := bridge.Subscribe(ctx, "agents.T1.event.status_changed", func(_ string, data []byte) {
		received = append(received, string(data))
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	m := NewMonitor(reg, bridge, sink, testLogger(), time.Minute, 90*time.Second, 24*time.Hour)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(sink.calls) != 1 || sink.calls[0].agentID != "A1" || sink.calls[0].online {
		t.Fatalf("unexpected status sink calls: %+v", sink.calls)
	}

	recs, err := reg.QueryTenant(ctx, "T1", "")
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected connection removed, got %v, %v", recs, err)
	}

	deadline := time.Now().Add(time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(received) != 1 {
		t.Fatalf("expected one status_changed event, got %v", received)
	}
}

func TestMonitor_Sweep_IgnoresFreshConnections(t *testing.T) {
	reg, bridge := newTestEnv(t)
	ctx := context.Background()

	fresh := registry.ConnectionRecord{
		PrincipalID:   "A1",
		Type:          registry.TypeAgent,
		TenantID:      "T1",
		NodeID:        "N1",
		LastHeartbeat: time.Now(),
	}
	if err := reg.Register(ctx, fresh, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m := NewMonitor(reg, bridge, nil, testLogger(), time.Minute, 90*time.Second, 24*time.Hour)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	recs, err := reg.QueryTenant(ctx, "T1", "")
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected connection to survive sweep, got %v, %v", recs, err)
	}
}

func TestMonitor_RecordHeartbeat_UnregisteredIsNoop(t *testing.T) {
	reg, bridge := newTestEnv(t)
	m := NewMonitor(reg, bridge, nil, testLogger(), time.Minute, 90*time.Second, 24*time.Hour)

	if err := m.RecordHeartbeat(context.Background(), "ghost"); err != nil {
		t.Fatalf("RecordHeartbeat() for unregistered principal should be a no-op, got %v", err)
	}
}

func TestPrincipalFromPresenceSubject(t *testing.T) {
	cases := map[string]string{
		"_heartbeat.T1.A1": "A1",
		"tenant.T1.agent.A1": "",
		"_heartbeat.T1":       "",
	}
	for subj, want := range cases {
		if got := principalFromPresenceSubject(subj); got != want {
			t.Errorf("principalFromPresenceSubject(%q) = %q, want %q", subj, got, want)
		}
	}
}
