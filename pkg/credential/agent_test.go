package credential

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
)

type fakeKeyLookup struct {
	records map[string]*AgentKeyRecord
}

func (f *fakeKeyLookup) LookupAgentKey(_ context.Context, principalID string) (*AgentKeyRecord, error) {
	rec, ok := f.records[principalID]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

type fakeChallengeStore struct {
	valid map[string]bool
}

func (f *fakeChallengeStore) Consume(_ context.Context, principalID, challenge string) (bool, error) {
	key := principalID + "|" + challenge
	ok := f.valid[key]
	delete(f.valid, key)
	return ok, nil
}

func TestAgentVerifier_Verify_Success(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	challenge := "c-abc"
	sig := ed25519.Sign(priv, []byte(challenge))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	v := NewAgentVerifier(
		&fakeKeyLookup{records: map[string]*AgentKeyRecord{
			"A1": {TenantID: "T1", PublicKey: pub, Algorithm: "ed25519", Capabilities: []string{"vision"}},
		}},
		&fakeChallengeStore{valid: map[string]bool{"A1|c-abc": true}},
	)

	p, err := v.Verify(context.Background(), "A1", challenge, sigB64)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.PrincipalID != "A1" || p.TenantID != "T1" || p.Role != RoleAgent {
		t.Errorf("unexpected principal: %+v", p)
	}
	if len(p.Capabilities) != 1 || p.Capabilities[0] != "vision" {
		t.Errorf("unexpected capabilities: %v", p.Capabilities)
	}
}

func TestAgentVerifier_Verify_BadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)

	challenge := "c-abc"
	sig := ed25519.Sign(otherPriv, []byte(challenge))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	v := NewAgentVerifier(
		&fakeKeyLookup{records: map[string]*AgentKeyRecord{
			"A1": {TenantID: "T1", PublicKey: pub, Algorithm: "ed25519"},
		}},
		&fakeChallengeStore{valid: map[string]bool{"A1|c-abc": true}},
	)

	_, err := v.Verify(context.Background(), "A1", challenge, sigB64)
	if gwerrors.KindOf(err) != gwerrors.AuthFailure {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
}

func TestAgentVerifier_Verify_UnknownPrincipal(t *testing.T) {
	v := NewAgentVerifier(&fakeKeyLookup{records: map[string]*AgentKeyRecord{}}, &fakeChallengeStore{valid: map[string]bool{}})

	_, err := v.Verify(context.Background(), "ghost", "c-abc", base64.StdEncoding.EncodeToString([]byte("sig")))
	if gwerrors.KindOf(err) != gwerrors.AuthFailure {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
}

func TestAgentVerifier_Verify_ExpiredChallenge(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	challenge := "c-abc"
	sig := ed25519.Sign(priv, []byte(challenge))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	v := NewAgentVerifier(
		&fakeKeyLookup{records: map[string]*AgentKeyRecord{
			"A1": {TenantID: "T1", PublicKey: pub, Algorithm: "ed25519"},
		}},
		&fakeChallengeStore{valid: map[string]bool{}}, // challenge never issued
	)

	_, err := v.Verify(context.Background(), "A1", challenge, sigB64)
	if gwerrors.KindOf(err) != gwerrors.AuthFailure {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
}

func TestAgentVerifier_Verify_ChallengeSingleUse(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	challenge := "c-abc"
	sig := ed25519.Sign(priv, []byte(challenge))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	store := &fakeChallengeStore{valid: map[string]bool{"A1|c-abc": true}}
	v := NewAgentVerifier(
		&fakeKeyLookup{records: map[string]*AgentKeyRecord{
			"A1": {TenantID: "T1", PublicKey: pub, Algorithm: "ed25519"},
		}},
		store,
	)

	if _, err := v.Verify(context.Background(), "A1", challenge, sigB64); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), "A1", challenge, sigB64); gwerrors.KindOf(err) != gwerrors.AuthFailure {
		t.Fatalf("replayed challenge should fail, got %v", err)
	}
}
