package bundle

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bundleClaims carry the bundle's content hash rather than the
// bundle body itself, keeping the signed token small regardless of how
// many rules the bundle holds.
type bundleClaims struct {
	BundleId     string `json:"bundle_id"`
	Version      int64  `json:"version"`
	ContentHash  string `json:"content_hash"`
	jwt.RegisteredClaims
}

// SignatureVerifier checks a Bundle's Signature field against its content.
type SignatureVerifier interface {
	Verify(b Bundle) error
}

// RSAVerifier verifies RS256-signed bundle tokens against a known public
// key, the same scheme the teacher's service-to-service auth uses.
type RSAVerifier struct {
	PublicKey *rsa.PublicKey
	Issuer    string
}

func NewRSAVerifier(pub *rsa.PublicKey, issuer string) *RSAVerifier {
	return &RSAVerifier{PublicKey: pub, Issuer: issuer}
}

// Verify parses b.Signature as a JWS, checks it was signed by PublicKey,
// and confirms its content_hash claim matches the bundle's own content
// hash so the signature can't be replayed against a bundle with a
// different id, version or rule-id set. ContentHash does not cover rule
// bodies, so a change inside a rule that keeps its id is not detected.
func (v *RSAVerifier) Verify(b Bundle) error {
	claims := &bundleClaims{}
	token, err := jwt.ParseWithClaims(b.Signature, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.PublicKey, nil
	})
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("signature token is not valid")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return fmt.Errorf("signature issuer %q does not match expected %q", claims.Issuer, v.Issuer)
	}
	if claims.BundleId != string(b.BundleId) || claims.Version != b.Version {
		return fmt.Errorf("signature identifies a different bundle (%s@%d) than the one presented (%s@%d)",
			claims.BundleId, claims.Version, b.BundleId, b.Version)
	}
	want := ContentHash(b)
	if claims.ContentHash != want {
		return fmt.Errorf("signature content hash does not match bundle content")
	}
	return nil
}

// RSASigner issues bundle signature tokens; used by authoring tools and by
// tests, never by the runtime evaluation path.
type RSASigner struct {
	PrivateKey *rsa.PrivateKey
	Issuer     string
	Expiry     time.Duration
}

func NewRSASigner(priv *rsa.PrivateKey, issuer string, expiry time.Duration) *RSASigner {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &RSASigner{PrivateKey: priv, Issuer: issuer, Expiry: expiry}
}

// Sign produces a compact JWS for b, to be assigned to b.Signature.
func (s *RSASigner) Sign(b Bundle) (string, error) {
	now := time.Now()
	claims := &bundleClaims{
		BundleId:    string(b.BundleId),
		Version:     b.Version,
		ContentHash: ContentHash(b),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Expiry)),
			Issuer:    s.Issuer,
			Subject:   string(b.BundleId),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.PrivateKey)
}

// ContentHash computes a stable hash over a bundle's identity and rule ids
// (in sorted order, so rule authoring order never changes the hash). It is
// deliberately independent of RuleId ordering in the Rules slice.
func ContentHash(b Bundle) string {
	ids := make([]string, 0, len(b.Rules))
	for _, r := range b.Rules {
		ids = append(ids, string(r.RuleId))
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(b.BundleId))
	h.Write([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
