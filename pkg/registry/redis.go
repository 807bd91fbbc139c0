package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connPrefix     = "registry:conn:"
	byTenantPrefix = "registry:by_tenant:"
	byNodePrefix   = "registry:by_node:"
	subPrefix      = "registry:sub:"
	princSubPrefix = "registry:princ_subs:"
)

// RedisRegistry implements Registry over three logical tables sharing one
// Redis keyspace, per spec.md §4.4: `connections`, `by_tenant`, and
// `subscriptions`. The escalation engine's ticker-and-pubsub pattern
// (pkg/escalation/engine.go) grounds the polling shape of the heartbeat
// monitor's Sweep, which reads StaleConnections; this file only owns
// storage.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry constructs a RedisRegistry over an existing client.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// heartbeatScript conditionally refreshes last_heartbeat and TTL only if
// the connection hash already exists, so a heartbeat can never resurrect a
// previously unregistered principal (spec.md §4.4).
var heartbeatScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return 0
end
redis.call("HSET", key, "last_heartbeat", ARGV[1])
redis.call("EXPIRE", key, ARGV[2])
return 1
`)

func (r *RedisRegistry) Register(ctx context.Context, rec ConnectionRecord, ttl time.Duration) error {
	key := connPrefix + rec.PrincipalID
	now := time.Now().UTC()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"type":           string(rec.Type),
		"tenant_id":      rec.TenantID,
		"node_id":        rec.NodeID,
		"connected_at":   rec.ConnectedAt.Format(time.RFC3339),
		"last_heartbeat": rec.LastHeartbeat.Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, byTenantPrefix+rec.TenantID, rec.PrincipalID)
	pipe.SAdd(ctx, byNodePrefix+rec.NodeID, rec.PrincipalID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering connection: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, principalID string, ttl time.Duration) error {
	key := connPrefix + principalID
	res, err := heartbeatScript.Run(ctx, r.rdb, []string{key}, time.Now().UTC().Format(time.RFC3339), int(ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("running heartbeat script: %w", err)
	}
	if res == 0 {
		return &ErrNotRegistered{PrincipalID: principalID}
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, principalID string) error {
	key := connPrefix + principalID
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("reading connection before unregister: %w", err)
	}

	subjects, err := r.rdb.SMembers(ctx, princSubPrefix+principalID).Result()
	if err != nil {
		return fmt.Errorf("reading subscriptions before unregister: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if tenantID := fields["tenant_id"]; tenantID != "" {
		pipe.SRem(ctx, byTenantPrefix+tenantID, principalID)
	}
	if nodeID := fields["node_id"]; nodeID != "" {
		pipe.SRem(ctx, byNodePrefix+nodeID, principalID)
	}
	for _, subject := range subjects {
		pipe.SRem(ctx, subPrefix+subject, principalID)
	}
	pipe.Del(ctx, princSubPrefix+principalID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregistering connection: %w", err)
	}
	return nil
}

func (r *RedisRegistry) AddSub(ctx context.Context, principalID, subject, nodeID string, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, subPrefix+subject, principalID)
	pipe.SAdd(ctx, princSubPrefix+principalID, subject)
	pipe.Expire(ctx, princSubPrefix+principalID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding subscription: %w", err)
	}
	return nil
}

func (r *RedisRegistry) RemoveSub(ctx context.Context, principalID, subject string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, subPrefix+subject, principalID)
	pipe.SRem(ctx, princSubPrefix+principalID, subject)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing subscription: %w", err)
	}
	return nil
}

func (r *RedisRegistry) QueryTenant(ctx context.Context, tenantID string, typeFilter ConnectionType) ([]ConnectionRecord, error) {
	principalIDs, err := r.rdb.SMembers(ctx, byTenantPrefix+tenantID).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tenant connections: %w", err)
	}
	return r.hydrateAndFilter(ctx, principalIDs, typeFilter)
}

func (r *RedisRegistry) QueryNode(ctx context.Context, nodeID string) ([]ConnectionRecord, error) {
	principalIDs, err := r.rdb.SMembers(ctx, byNodePrefix+nodeID).Result()
	if err != nil {
		return nil, fmt.Errorf("listing node connections: %w", err)
	}
	return r.hydrateAndFilter(ctx, principalIDs, "")
}

func (r *RedisRegistry) QuerySubject(ctx context.Context, subject string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, subPrefix+subject).Result()
	if err != nil {
		return nil, fmt.Errorf("listing subject subscribers: %w", err)
	}
	return ids, nil
}

func (r *RedisRegistry) QueryPrincipalSubs(ctx context.Context, principalID string) ([]string, error) {
	subjects, err := r.rdb.SMembers(ctx, princSubPrefix+principalID).Result()
	if err != nil {
		return nil, fmt.Errorf("listing principal subscriptions: %w", err)
	}
	return subjects, nil
}

func (r *RedisRegistry) CountByTenant(ctx context.Context, tenantID string, typeFilter ConnectionType) (int64, error) {
	if typeFilter == "" {
		n, err := r.rdb.SCard(ctx, byTenantPrefix+tenantID).Result()
		if err != nil {
			return 0, fmt.Errorf("counting tenant connections: %w", err)
		}
		return n, nil
	}
	recs, err := r.QueryTenant(ctx, tenantID, typeFilter)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// StaleConnections scans every connection row and returns those whose
// last heartbeat predates cutoff. Used by C5's periodic sweep; a SCAN
// rather than KEYS is used so the sweep never blocks the keyspace.
func (r *RedisRegistry) StaleConnections(ctx context.Context, cutoff time.Time) ([]ConnectionRecord, error) {
	var stale []ConnectionRecord
	iter := r.rdb.Scan(ctx, 0, connPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec, err := recordFromFields(key[len(connPrefix):], fields)
		if err != nil {
			continue
		}
		if rec.LastHeartbeat.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning connections: %w", err)
	}
	return stale, nil
}

func (r *RedisRegistry) hydrateAndFilter(ctx context.Context, principalIDs []string, typeFilter ConnectionType) ([]ConnectionRecord, error) {
	var out []ConnectionRecord
	for _, id := range principalIDs {
		fields, err := r.rdb.HGetAll(ctx, connPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue // reconciled by the next TTL sweep
		}
		rec, err := recordFromFields(id, fields)
		if err != nil {
			continue
		}
		if typeFilter != "" && rec.Type != typeFilter {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromFields(principalID string, fields map[string]string) (ConnectionRecord, error) {
	connectedAt, err := time.Parse(time.RFC3339, fields["connected_at"])
	if err != nil {
		return ConnectionRecord{}, err
	}
	lastHeartbeat, err := time.Parse(time.RFC3339, fields["last_heartbeat"])
	if err != nil {
		return ConnectionRecord{}, err
	}
	return ConnectionRecord{
		PrincipalID:   principalID,
		Type:          ConnectionType(fields["type"]),
		TenantID:      fields["tenant_id"],
		NodeID:        fields["node_id"],
		ConnectedAt:   connectedAt,
		LastHeartbeat: lastHeartbeat,
	}, nil
}
