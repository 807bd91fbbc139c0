package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
)

// DashboardClaims are the custom claims a dashboard bearer token carries,
// layered on top of the registered JWT claims.
type DashboardClaims struct {
	TenantID string `json:"tenant_id"`
}

// allowedAlgorithms is the explicit allowlist spec.md §4.2 requires: a
// token signed with any other algorithm is rejected before claims are
// even parsed.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256,
	jose.RS256,
	jose.ES256,
}

// DashboardVerifier validates dashboard bearer tokens. A single code path
// (Verify) handles both the symmetric (HMAC secret) and asymmetric (JWKS)
// algorithm families; the token's header selects the branch.
type DashboardVerifier struct {
	HMACSecret []byte
	Issuer     string
	Audience   string

	jwksURL   string
	cacheTTL  time.Duration
	client    *http.Client
	mu        sync.Mutex
	cachedAt  time.Time
	cachedSet jose.JSONWebKeySet
}

// NewDashboardVerifier constructs a verifier. hmacSecret may be empty if
// only asymmetric tokens are accepted; jwksURL may be empty if only
// symmetric tokens are accepted.
func NewDashboardVerifier(hmacSecret, jwksURL string, cacheTTL time.Duration, issuer, audience string) *DashboardVerifier {
	return &DashboardVerifier{
		HMACSecret: []byte(hmacSecret),
		Issuer:     issuer,
		Audience:   audience,
		jwksURL:    jwksURL,
		cacheTTL:   cacheTTL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify parses and validates a dashboard bearer token and returns the
// resolved Principal.
func (v *DashboardVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, gwerrors.New(gwerrors.AuthFailure, "empty token")
	}

	tok, err := jwt.ParseSigned(rawToken, allowedAlgorithms)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "parsing token")
	}
	if len(tok.Headers) == 0 {
		return nil, gwerrors.New(gwerrors.AuthFailure, "token carries no header")
	}

	var registered jwt.Claims
	var custom DashboardClaims

	alg := jose.SignatureAlgorithm(tok.Headers[0].Algorithm)
	switch alg {
	case jose.HS256:
		if len(v.HMACSecret) == 0 {
			return nil, gwerrors.New(gwerrors.AuthFailure, "symmetric tokens not configured")
		}
		if err := tok.Claims(v.HMACSecret, &registered, &custom); err != nil {
			return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "verifying HMAC token")
		}
	case jose.RS256, jose.ES256:
		key, err := v.resolveKey(ctx, tok.Headers[0].KeyID)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "resolving signing key")
		}
		if err := tok.Claims(key, &registered, &custom); err != nil {
			return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "verifying asymmetric token")
		}
	default:
		return nil, gwerrors.New(gwerrors.AuthFailure, fmt.Sprintf("algorithm %q not allowed", alg))
	}

	expected := jwt.Expected{Time: time.Now()}
	if v.Issuer != "" {
		expected.Issuer = v.Issuer
	}
	if v.Audience != "" {
		expected.AnyAudience = jwt.Audience{v.Audience}
	}
	if err := registered.ValidateWithLeeway(expected, 5*time.Second); err != nil {
		return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "validating claims")
	}

	if registered.Subject == "" {
		return nil, gwerrors.New(gwerrors.AuthFailure, "token has no subject")
	}

	tenantID := custom.TenantID
	return &Principal{
		PrincipalID: registered.Subject,
		TenantID:    tenantID,
		Role:        RoleDashboard,
	}, nil
}

// resolveKey finds the public key for kid, refreshing the cached JWKS
// document if it is stale or the key is missing from it.
func (v *DashboardVerifier) resolveKey(ctx context.Context, kid string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if time.Since(v.cachedAt) > v.cacheTTL || !v.hasKeyLocked(kid) {
		set, err := v.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		v.cachedSet = set
		v.cachedAt = time.Now()
	}

	for _, k := range v.cachedSet.Keys {
		if k.KeyID == kid {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("no key with kid %q in JWKS", kid)
}

func (v *DashboardVerifier) hasKeyLocked(kid string) bool {
	for _, k := range v.cachedSet.Keys {
		if k.KeyID == kid {
			return true
		}
	}
	return false
}

func (v *DashboardVerifier) fetchJWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	if v.jwksURL == "" {
		return jose.JSONWebKeySet{}, fmt.Errorf("no JWKS URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("building JWKS request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decoding JWKS: %w", err)
	}
	return set, nil
}
