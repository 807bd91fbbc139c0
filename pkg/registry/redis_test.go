package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisRegistry(rdb)
}

func TestRegisterAndQuery(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec := ConnectionRecord{PrincipalID: "A1", Type: TypeAgent, TenantID: "T1", NodeID: "N1"}
	if err := r.Register(ctx, rec, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	recs, err := r.QueryTenant(ctx, "T1", TypeAgent)
	if err != nil {
		t.Fatalf("QueryTenant() error = %v", err)
	}
	if len(recs) != 1 || recs[0].PrincipalID != "A1" {
		t.Fatalf("unexpected query result: %+v", recs)
	}

	nodeRecs, err := r.QueryNode(ctx, "N1")
	if err != nil {
		t.Fatalf("QueryNode() error = %v", err)
	}
	if len(nodeRecs) != 1 {
		t.Fatalf("unexpected node query result: %+v", nodeRecs)
	}

	count, err := r.CountByTenant(ctx, "T1", "")
	if err != nil {
		t.Fatalf("CountByTenant() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("CountByTenant() = %d, want 1", count)
	}
}

func TestHeartbeat_RejectsUnregistered(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.Heartbeat(ctx, "ghost", time.Hour)
	if _, ok := err.(*ErrNotRegistered); !ok {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestHeartbeat_ExtendsExistingRow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec := ConnectionRecord{PrincipalID: "A1", Type: TypeAgent, TenantID: "T1", NodeID: "N1"}
	if err := r.Register(ctx, rec, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.Heartbeat(ctx, "A1", 2*time.Hour); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	recs, err := r.QueryTenant(ctx, "T1", "")
	if err != nil || len(recs) != 1 {
		t.Fatalf("QueryTenant() after heartbeat = %v, %+v", err, recs)
	}
}

func TestUnregister_CascadesSubscriptions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec := ConnectionRecord{PrincipalID: "A1", Type: TypeAgent, TenantID: "T1", NodeID: "N1"}
	if err := r.Register(ctx, rec, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.AddSub(ctx, "A1", "tenant.T1.channel.chat", "N1", time.Hour); err != nil {
		t.Fatalf("AddSub() error = %v", err)
	}

	if err := r.Unregister(ctx, "A1"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	subs, err := r.QuerySubject(ctx, "tenant.T1.channel.chat")
	if err != nil {
		t.Fatalf("QuerySubject() error = %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscribers after unregister, got %v", subs)
	}

	recs, err := r.QueryTenant(ctx, "T1", "")
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected no connections after unregister, got %v, %v", recs, err)
	}
}

func TestAddSubAndRemoveSub(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddSub(ctx, "A1", "tenant.T1.channel.chat", "N1", time.Hour); err != nil {
		t.Fatalf("AddSub() error = %v", err)
	}

	subs, err := r.QuerySubject(ctx, "tenant.T1.channel.chat")
	if err != nil || len(subs) != 1 || subs[0] != "A1" {
		t.Fatalf("QuerySubject() = %v, %v", subs, err)
	}

	principalSubs, err := r.QueryPrincipalSubs(ctx, "A1")
	if err != nil || len(principalSubs) != 1 {
		t.Fatalf("QueryPrincipalSubs() = %v, %v", principalSubs, err)
	}

	if err := r.RemoveSub(ctx, "A1", "tenant.T1.channel.chat"); err != nil {
		t.Fatalf("RemoveSub() error = %v", err)
	}

	subs, err = r.QuerySubject(ctx, "tenant.T1.channel.chat")
	if err != nil || len(subs) != 0 {
		t.Fatalf("expected no subscribers after RemoveSub, got %v, %v", subs, err)
	}
}

func TestStaleConnections(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	fresh := ConnectionRecord{PrincipalID: "A1", Type: TypeAgent, TenantID: "T1", NodeID: "N1", LastHeartbeat: time.Now()}
	stale := ConnectionRecord{PrincipalID: "A2", Type: TypeAgent, TenantID: "T1", NodeID: "N1", LastHeartbeat: time.Now().Add(-2 * time.Hour)}

	if err := r.Register(ctx, fresh, time.Hour); err != nil {
		t.Fatalf("Register(fresh) error = %v", err)
	}
	if err := r.Register(ctx, stale, time.Hour); err != nil {
		t.Fatalf("Register(stale) error = %v", err)
	}

	cutoff := time.Now().Add(-90 * time.Second)
	results, err := r.StaleConnections(ctx, cutoff)
	if err != nil {
		t.Fatalf("StaleConnections() error = %v", err)
	}
	if len(results) != 1 || results[0].PrincipalID != "A2" {
		t.Fatalf("unexpected stale results: %+v", results)
	}
}
