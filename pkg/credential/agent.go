package credential

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
)

// AgentVerifier validates an agent's challenge/signature handshake
// (spec.md §4.2). Signature verification is deliberately implemented on
// crypto/ed25519 from the standard library rather than a third-party
// library — see DESIGN.md.
type AgentVerifier struct {
	Keys       AgentKeyLookup
	Challenges ChallengeStore
}

// NewAgentVerifier constructs an AgentVerifier over the given external
// key-lookup and challenge stores.
func NewAgentVerifier(keys AgentKeyLookup, challenges ChallengeStore) *AgentVerifier {
	return &AgentVerifier{Keys: keys, Challenges: challenges}
}

// Verify checks a `{principal_id, challenge, signature}` handshake and
// returns the resolved Principal on success. signature is base64-encoded,
// computed by the agent over the raw challenge bytes.
func (v *AgentVerifier) Verify(ctx context.Context, principalID, challenge, signatureB64 string) (*Principal, error) {
	if principalID == "" || challenge == "" || signatureB64 == "" {
		return nil, gwerrors.New(gwerrors.AuthFailure, "missing principal_id, challenge, or signature")
	}

	rec, err := v.Keys.LookupAgentKey(ctx, principalID)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "unknown principal")
	}
	if rec == nil {
		return nil, gwerrors.New(gwerrors.AuthFailure, "unknown principal")
	}

	if v.Challenges != nil {
		ok, err := v.Challenges.Consume(ctx, principalID, challenge)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "validating challenge")
		}
		if !ok {
			return nil, gwerrors.New(gwerrors.AuthFailure, "expired or unknown challenge")
		}
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "malformed signature encoding")
	}

	if err := verifySignature(rec.Algorithm, rec.PublicKey, []byte(challenge), sig); err != nil {
		return nil, gwerrors.Wrap(gwerrors.AuthFailure, err, "signature verification failed")
	}

	return &Principal{
		PrincipalID:  principalID,
		TenantID:     rec.TenantID,
		Role:         RoleAgent,
		Capabilities: rec.Capabilities,
	}, nil
}

// verifySignature dispatches on the algorithm declared on the key record.
// ed25519.Verify is constant-time by construction, satisfying spec.md's
// constant-time comparison requirement without extra bookkeeping.
func verifySignature(algorithm string, pubKey, message, signature []byte) error {
	switch algorithm {
	case "ed25519", "":
		if len(pubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid ed25519 public key length %d", len(pubKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(pubKey), message, signature) {
			return fmt.Errorf("ed25519 signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
}
