// Package rpc exposes the Data Plane's external interfaces from spec.md
// §6 over HTTP: the unauthenticated Enforce RPC trusted in-cluster
// callers use per-event, and the Management Plane's bundle lifecycle and
// telemetry query surface behind bearer-token auth.
package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	engerrors "github.com/R3E-Network/dataplane-ruleengine/infrastructure/errors"
	"github.com/R3E-Network/dataplane-ruleengine/infrastructure/hitlog"
	"github.com/R3E-Network/dataplane-ruleengine/internal/deployment"
	"github.com/R3E-Network/dataplane-ruleengine/internal/engine"
	"github.com/R3E-Network/dataplane-ruleengine/internal/lifecycle"
)

// Server wires the Evaluation Engine, Deployment Manager, Lifecycle
// Manager and hitlog index behind a chi router. Each dependency is an
// already-constructed value; Server does no lifecycle management of its
// own beyond routing requests to them.
type Server struct {
	Engine     *engine.Engine
	Deployer   *deployment.Manager
	Lifecycle  *lifecycle.Manager
	Hitlog     hitlogStore
	Auth       *Authenticator
	Validation bundle.ValidationConfig
	Verifier   bundle.SignatureVerifier
}

// hitlogStore is the subset of hitlog.Sink/hitlog.Index the RPC layer
// reads from; Server doesn't write directly, the Engine's audit.Trail
// does, so only Query/Get are required here.
type hitlogStore interface {
	Query(f hitlog.Filters) ([]hitlog.SessionRecord, int, error)
	Get(sessionID string) (hitlog.SessionRecord, bool, error)
}

// NewServer assembles a Server. verifier may be nil when
// Validation.RequireSignature is false.
func NewServer(eng *engine.Engine, deployer *deployment.Manager, lc *lifecycle.Manager, store hitlogStore, auth *Authenticator, cfg bundle.ValidationConfig, verifier bundle.SignatureVerifier) *Server {
	return &Server{
		Engine:     eng,
		Deployer:   deployer,
		Lifecycle:  lc,
		Hitlog:     store,
		Auth:       auth,
		Validation: cfg,
		Verifier:   verifier,
	}
}

// Router builds the full HTTP surface: Enforce, health and metrics are
// open; everything that mutates deployment state sits behind the
// Management Plane's bearer-token middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrumentHTTP)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", MetricsHandler().ServeHTTP)
	r.Post("/enforce", s.handleEnforce)

	r.Group(func(mgmt chi.Router) {
		mgmt.Use(s.Auth.Middleware)
		mgmt.Post("/bundles", s.handleInstallBundle)
		mgmt.Post("/bundles/{version_id}/activate", s.handleActivateBundle)
		mgmt.Post("/rollback", s.handleRollback)
		mgmt.Get("/telemetry", s.handleTelemetry)
		mgmt.Get("/sessions/{session_id}", s.handleGetSession)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnforce decodes a single event, runs it through the Evaluation
// Engine and returns the resulting decision, per spec.md §6's
// `Enforce(event) -> {decision, rule_id?, slice_similarities?, rationale,
// latency_ms}`. Deliberately unauthenticated: see ManagementClaims' doc
// comment for the trust boundary this assumes.
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeEngineError(w, engerrors.New(engerrors.CodeValidationRule, http.StatusBadRequest, "invalid event body: "+err.Error()))
		return
	}

	started := time.Now()
	decision := s.Engine.Evaluate(r.Context(), ev)
	decision.LatencyMs = float64(time.Since(started).Microseconds()) / 1000.0
	recordEnforce(decision.Decision, decision.LatencyMs)

	writeJSON(w, http.StatusOK, decision)
}

// installBundleRequest carries the bundle and who's staging it; the
// actor identity comes from the caller's verified claims, not this body,
// so Signer only records who authored the rules, not who's deploying
// them.
type installBundleRequest struct {
	Bundle bundle.Bundle
}

type installBundleResponse struct {
	VersionId identity.VersionId
	Warnings  []bundle.Warning
}

func (s *Server) handleInstallBundle(w http.ResponseWriter, r *http.Request) {
	var req installBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, engerrors.New(engerrors.CodeValidationBundle, http.StatusBadRequest, "invalid bundle body: "+err.Error()))
		return
	}

	result, err := bundle.Validate(req.Bundle, s.Validation, s.Verifier)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	user := "unknown"
	if claims, ok := claimsFromContext(r.Context()); ok {
		user = claims.Subject
	}

	vid, err := s.Deployer.PrepareDeployment(req.Bundle, user)
	if err != nil {
		writeEngineError(w, engerrors.Internal("failed to stage bundle", err))
		return
	}

	writeJSON(w, http.StatusCreated, installBundleResponse{VersionId: vid, Warnings: result.Warnings})
}

func (s *Server) handleActivateBundle(w http.ResponseWriter, r *http.Request) {
	vid := identity.VersionId(chi.URLParam(r, "version_id"))
	if err := s.Deployer.ActivateDeployment(vid); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]identity.VersionId{"active_version": vid})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	vid, err := s.Deployer.Rollback()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]identity.VersionId{"active_version": vid})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := hitlog.Filters{
		AgentId:  identity.AgentId(q.Get("agent_id")),
		TenantId: identity.TenantId(q.Get("tenant_id")),
		Decision: q.Get("decision"),
	}
	if raw := q.Get("layer"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeEngineError(w, engerrors.New(engerrors.CodeValidationRule, http.StatusBadRequest, "layer must be an integer"))
			return
		}
		f.Layer = identity.Layer(n)
		f.HasLayer = true
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeEngineError(w, engerrors.New(engerrors.CodeValidationRule, http.StatusBadRequest, "since must be RFC3339"))
			return
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeEngineError(w, engerrors.New(engerrors.CodeValidationRule, http.StatusBadRequest, "until must be RFC3339"))
			return
		}
		f.Until = t
	}
	f.Limit = queryInt(q, "limit", 100)
	f.Offset = queryInt(q, "offset", 0)

	sessions, total, err := s.Hitlog.Query(f)
	if err != nil {
		writeEngineError(w, engerrors.Internal("telemetry query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "total": total})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	rec, ok, err := s.Hitlog.Get(id)
	if err != nil {
		writeEngineError(w, engerrors.Internal("session lookup failed", err))
		return
	}
	if !ok {
		writeEngineError(w, engerrors.NotFound(engerrors.CodeNotFoundSession, "session", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func queryInt(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the `{reason, code, http_status?}` shape spec.md §7's
// "User-visible behavior" promises for denied/rejected requests. Details
// surfaces an EngineError's structured context (e.g. which field, which
// resource id) when present.
type errorBody struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// writeEngineError classifies err against the taxonomy
// (infrastructure/errors) and writes the resulting code/status/details,
// so a caller can distinguish a Conflict from a StateTransition or
// NotFound without string-matching the message.
func writeEngineError(w http.ResponseWriter, err error) {
	ee, ok := engerrors.As(err)
	if !ok {
		ee = engerrors.Internal(err.Error(), err)
	}
	writeJSON(w, ee.HTTPStatus, map[string]errorBody{
		"error": {Code: string(ee.Code), Reason: ee.Message, Details: ee.Details},
	})
}
