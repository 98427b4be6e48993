package bundle

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func testBundle() Bundle {
	return Bundle{
		BundleId: identity.BundleId("b1"),
		Version:  3,
		Rules:    []Rule{simpleRule("r1", 10, identity.Scope{})},
	}
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	key := testKey(t)
	signer := NewRSASigner(key, "ruleengine-authoring", time.Hour)
	b := testBundle()

	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig

	verifier := NewRSAVerifier(&key.PublicKey, "ruleengine-authoring")
	if err := verifier.Verify(b); err != nil {
		t.Fatalf("expected signature to verify, got: %v", err)
	}
}

func TestVerify_WrongIssuerRejected(t *testing.T) {
	key := testKey(t)
	signer := NewRSASigner(key, "authoring-a", time.Hour)
	b := testBundle()
	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig

	verifier := NewRSAVerifier(&key.PublicKey, "authoring-b")
	if err := verifier.Verify(b); err == nil {
		t.Fatalf("expected verification failure for mismatched issuer")
	}
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	signer := NewRSASigner(key, "authoring", time.Hour)
	b := testBundle()
	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig

	verifier := NewRSAVerifier(&other.PublicKey, "authoring")
	if err := verifier.Verify(b); err == nil {
		t.Fatalf("expected verification failure for wrong public key")
	}
}

func TestVerify_TamperedBundleIdRejected(t *testing.T) {
	key := testKey(t)
	signer := NewRSASigner(key, "authoring", time.Hour)
	b := testBundle()
	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig
	b.BundleId = identity.BundleId("different-bundle")

	verifier := NewRSAVerifier(&key.PublicKey, "authoring")
	if err := verifier.Verify(b); err == nil {
		t.Fatalf("expected verification failure when bundle id changes after signing")
	}
}

func TestVerify_TamperedRulesChangesContentHash(t *testing.T) {
	key := testKey(t)
	signer := NewRSASigner(key, "authoring", time.Hour)
	b := testBundle()
	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig
	b.Rules = append(b.Rules, simpleRule("r2", 20, identity.Scope{}))

	verifier := NewRSAVerifier(&key.PublicKey, "authoring")
	if err := verifier.Verify(b); err == nil {
		t.Fatalf("expected verification failure when rules change after signing")
	}
}

func TestContentHash_OrderIndependent(t *testing.T) {
	b1 := Bundle{
		BundleId: "b1",
		Rules: []Rule{
			simpleRule("r1", 1, identity.Scope{}),
			simpleRule("r2", 2, identity.Scope{}),
		},
	}
	b2 := Bundle{
		BundleId: "b1",
		Rules: []Rule{
			simpleRule("r2", 2, identity.Scope{}),
			simpleRule("r1", 1, identity.Scope{}),
		},
	}
	if ContentHash(b1) != ContentHash(b2) {
		t.Fatalf("expected content hash to be independent of rule ordering")
	}
}

func TestValidate_SignatureVerifiedEndToEnd(t *testing.T) {
	key := testKey(t)
	signer := NewRSASigner(key, "authoring", time.Hour)
	b := testBundle()
	b.Rollout = RolloutPolicy{Kind: RolloutImmediate}
	sig, err := signer.Sign(b)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b.Signature = sig

	verifier := NewRSAVerifier(&key.PublicKey, "authoring")
	if _, err := Validate(b, ValidationConfig{RequireSignature: true}, verifier); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
