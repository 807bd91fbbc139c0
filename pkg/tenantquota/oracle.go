package tenantquota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
)

const (
	tenantCacheKeyPrefix = "tenantquota:tenant:"
	usageKeyPrefix       = "tenantquota:usage:"
)

// ConnectionGauge supplies the live concurrent-connection count for a
// tenant. C4 (the connection registry) is the source of truth; the Oracle
// treats it as an injected dependency to avoid an import cycle.
type ConnectionGauge func(ctx context.Context, tenantID string) (int64, error)

// Oracle is a read-through cache over Store with Redis-backed usage
// counters, grounded on the teacher's login rate limiter
// (internal/auth/ratelimit.go): INCR the window key, EXPIREAT it only on
// first increment.
type Oracle struct {
	store     Store
	redis     *redis.Client
	cacheTTL  time.Duration
	usageSink UsageSink
	connGauge ConnectionGauge

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewOracle constructs an Oracle. usageSink and connGauge may be nil; a
// nil connGauge disables connection-count admission checks (the caller is
// expected to wire C4's gauge once the registry exists).
func NewOracle(store Store, rdb *redis.Client, cacheTTL time.Duration, usageSink UsageSink, connGauge ConnectionGauge) *Oracle {
	return &Oracle{
		store:     store,
		redis:     rdb,
		cacheTTL:  cacheTTL,
		usageSink: usageSink,
		connGauge: connGauge,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// tenantCacheEntry is the JSON shape cached in Redis; time.Time round-trips
// through RFC3339 so a bare json.Marshal/Unmarshal is sufficient.
type tenantCacheEntry struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	PlanTier  string    `json:"plan_tier"`
	Limits    Limits    `json:"limits"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Lookup resolves a tenant, preferring the Redis cache over the external
// store. A cache miss or expiry falls through to Store and repopulates
// the cache.
func (o *Oracle) Lookup(ctx context.Context, tenantID string) (*Tenant, error) {
	if o.redis != nil {
		if t, ok := o.lookupCache(ctx, tenantID); ok {
			return t, nil
		}
	}

	t, err := o.store.LookupTenant(ctx, tenantID)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TenantInactive, err, "looking up tenant")
	}
	if t == nil {
		return nil, gwerrors.New(gwerrors.TenantInactive, "tenant not found")
	}

	if o.redis != nil {
		o.populateCache(ctx, t)
	}

	return t, nil
}

func (o *Oracle) lookupCache(ctx context.Context, tenantID string) (*Tenant, bool) {
	raw, err := o.redis.Get(ctx, tenantCacheKeyPrefix+tenantID).Bytes()
	if err != nil {
		return nil, false
	}
	var entry tenantCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &Tenant{
		ID:        entry.ID,
		Status:    entry.Status,
		PlanTier:  entry.PlanTier,
		Limits:    entry.Limits,
		ExpiresAt: entry.ExpiresAt,
	}, true
}

func (o *Oracle) populateCache(ctx context.Context, t *Tenant) {
	entry := tenantCacheEntry{
		ID:        t.ID,
		Status:    t.Status,
		PlanTier:  t.PlanTier,
		Limits:    t.Limits,
		ExpiresAt: t.ExpiresAt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	o.redis.Set(ctx, tenantCacheKeyPrefix+t.ID, raw, o.cacheTTL)
}

// Admit checks whether a tenant may proceed with an operation of the given
// kind, per spec.md §4.3. It returns a *gwerrors.Error with Kind
// QuotaExceeded (populated with current/limit/reset_in_s) when denied.
func (o *Oracle) Admit(ctx context.Context, tenant *Tenant, kind Kind) error {
	if !tenant.Active(time.Now()) {
		return gwerrors.New(gwerrors.TenantInactive, fmt.Sprintf("tenant %s is not active", tenant.ID))
	}

	switch kind {
	case KindConnection:
		return o.admitGauge(ctx, tenant, kind, tenant.Limits.MaxConcurrentConns)
	case KindAPICall:
		return o.admitWindowed(ctx, tenant.ID, kind, tenant.Limits.MaxAPICallsPerMinute, time.Minute)
	case KindMessage:
		return o.admitWindowed(ctx, tenant.ID, kind, tenant.Limits.MaxMessagesPerDay, 24*time.Hour)
	case KindChannel, KindStorage:
		// Not enforced by a live counter in the core; the external plane
		// owns channel creation and storage accounting.
		return nil
	default:
		return gwerrors.New(gwerrors.Internal, fmt.Sprintf("unknown admission kind %q", kind))
	}
}

func (o *Oracle) admitGauge(ctx context.Context, tenant *Tenant, kind Kind, limit int64) error {
	if o.connGauge == nil || limit <= 0 {
		return nil
	}
	current, err := o.connGauge(ctx, tenant.ID)
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, err, "reading connection gauge")
	}
	if current >= limit {
		return gwerrors.NewQuotaExceeded(string(kind), current, limit, 0)
	}
	return nil
}

// admitWindowed enforces a fixed-window counter, windowed at the minute or
// day boundary. It reads the current count without incrementing; Account
// performs the increment as a separate, explicitly side-effecting step.
func (o *Oracle) admitWindowed(ctx context.Context, tenantID string, kind Kind, limit int64, window time.Duration) error {
	if limit <= 0 || o.redis == nil {
		return nil
	}

	key, resetAt := windowedKey(tenantID, kind, window, time.Now())
	count, err := o.redis.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return gwerrors.Wrap(gwerrors.Internal, err, "reading usage counter")
	}

	if count >= limit {
		return gwerrors.NewQuotaExceeded(string(kind), count, limit, int64(time.Until(resetAt).Seconds()))
	}
	return nil
}

// Account records a usage delta for kind, best-effort and asynchronous:
// the Redis counter increment happens inline (it is cheap and the close
// coupling with Admit's window matters), but the external usage sink is
// notified on its own goroutine so a slow sink never blocks a publish.
func (o *Oracle) Account(ctx context.Context, tenantID string, kind Kind, delta int64) {
	if o.redis != nil && (kind == KindAPICall || kind == KindMessage) {
		window := time.Minute
		if kind == KindMessage {
			window = 24 * time.Hour
		}
		key, resetAt := windowedKey(tenantID, kind, window, time.Now())
		pipe := o.redis.Pipeline()
		incr := pipe.IncrBy(ctx, key, delta)
		if _, err := pipe.Exec(ctx); err == nil && incr.Val() == delta {
			o.redis.ExpireAt(ctx, key, resetAt)
		}
	}

	if o.usageSink != nil {
		go o.usageSink.RecordUsage(context.Background(), tenantID, string(kind), delta)
	}
}

// windowedKey builds the Redis key for a fixed window counter and returns
// the wall-clock boundary the window resets at.
func windowedKey(tenantID string, kind Kind, window time.Duration, now time.Time) (string, time.Time) {
	var bucket string
	var resetAt time.Time

	switch window {
	case time.Minute:
		bucket = now.UTC().Format("200601021504")
		resetAt = now.UTC().Truncate(time.Minute).Add(time.Minute)
	case 24 * time.Hour:
		bucket = now.UTC().Format("20060102")
		resetAt = time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day()+1, 0, 0, 0, 0, time.UTC)
	default:
		bucket = fmt.Sprintf("%d", now.Unix()/int64(window.Seconds()))
		resetAt = now.Add(window)
	}

	return fmt.Sprintf("%s%s:%s:%s", usageKeyPrefix, kind, tenantID, bucket), resetAt
}

// Limiter returns the in-process token bucket for tenantID, creating one
// lazily at ratePerSec with the given burst. The gateway's publish path
// checks it ahead of the Redis-backed per-day message counter, a cheap
// local check that can reject a burst without a Redis round trip; the
// rate and burst of the first call for a tenant are kept for the life of
// the Oracle. Grounded on the per-tenant API
// rate limiting pattern in r3e-network-service_layer's middleware.
func (o *Oracle) Limiter(tenantID string, ratePerSec float64, burst int) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	lim, ok := o.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		o.limiters[tenantID] = lim
	}
	return lim
}
