package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type claimsContextKey struct{}

// ManagementClaims is the bearer token payload the Management Plane
// presents to InstallBundle/ActivateBundle/Rollback/QueryTelemetry/
// GetSession; the Enforce RPC is left unauthenticated at this layer since
// it's meant to be called from a trusted in-cluster SDK/interceptor, same
// split the teacher's service-auth middleware draws between operator and
// service-to-service traffic.
type ManagementClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator verifies management-plane bearer tokens with a fixed
// HMAC secret. A production deployment would rotate keys via a real KMS;
// this mirrors the teacher's simplest service-auth verifier shape rather
// than building key rotation machinery the spec never asks for.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

func (a *Authenticator) parse(tokenString string) (*ManagementClaims, error) {
	claims := &ManagementClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid management token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid Bearer token and stashes
// the parsed claims in the request context for handlers that need the
// caller's identity. handleInstallBundle reads the subject; no handler
// checks Role.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header || tokenString == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		claims, err := a.parse(tokenString)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*ManagementClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*ManagementClaims)
	return c, ok
}

// writeUnauthorized is deliberately outside the infrastructure/errors
// taxonomy: spec.md §7's Taxonomy covers rule/bundle/CRUD/runtime errors,
// not transport-level authentication, which this bearer-token check is.
func writeUnauthorized(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusUnauthorized, map[string]errorBody{
		"error": {Code: "UNAUTHORIZED", Reason: reason},
	})
}
