package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/dataplane-ruleengine/domain/action"
	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
	"github.com/R3E-Network/dataplane-ruleengine/domain/identity"
	"github.com/R3E-Network/dataplane-ruleengine/domain/match"
	"github.com/R3E-Network/dataplane-ruleengine/infrastructure/hitlog"
	"github.com/R3E-Network/dataplane-ruleengine/internal/deployment"
	"github.com/R3E-Network/dataplane-ruleengine/internal/engine"
	"github.com/R3E-Network/dataplane-ruleengine/internal/lifecycle"
	"github.com/R3E-Network/dataplane-ruleengine/internal/ruletable"
)

var gatewayFamily = identity.RuleFamily{Layer: identity.LayerToolGateway, Family: identity.FamilyToolGateway}

func allowAllBundle(id string) bundle.Bundle {
	rule := bundle.Rule{
		RuleId:   identity.RuleId(id + "-rule"),
		Family:   gatewayFamily,
		Priority: 100,
		Scope:    identity.Scope{},
		Match:    match.MatchClause{Fast: match.FastMatch{}},
		Action: action.NewActionClause(
			action.Action{Kind: action.KindAllow, Allow: &action.AllowAction{}},
			nil, nil, time.Second, false,
		),
	}
	return bundle.Bundle{
		BundleId: identity.BundleId(id),
		Version:  1,
		CreatedAt: time.Now(),
		Rollout:  bundle.RolloutPolicy{Kind: bundle.RolloutImmediate},
		Rules:    []bundle.Rule{rule},
	}
}

type testEnv struct {
	srv    *Server
	secret []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	table := ruletable.New(ruletable.NewDecisionCache(100, time.Minute))
	store := hitlog.NewMemoryStore()
	trail := audit.NewTrail(audit.LevelCompactOnly, 100, store)
	eng := engine.New(table, match.NewSandbox(), trail)
	deployer := deployment.NewManager(table)
	lc := lifecycle.New(table, deployer)

	secret := []byte("test-secret")
	srv := NewServer(eng, deployer, lc, store, NewAuthenticator(secret), bundle.ValidationConfig{
		MaxRules: 1000, MaxPriority: 1000, MaxBudgetMs: 5000, WarnBudgetMs: 1000,
	}, nil)
	return &testEnv{srv: srv, secret: secret}
}

func (e *testEnv) bearer(t *testing.T, role string) string {
	t.Helper()
	claims := ManagementClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "tester"},
		Role:             role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(e.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestHandleEnforce_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	vid, err := env.srv.Deployer.PrepareDeployment(allowAllBundle("b1"), "alice")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := env.srv.Deployer.ActivateDeployment(vid); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ev := engine.Event{
		Id:       "evt-1",
		TenantId: "tenant-1",
		Context:  &engine.EventContext{Layer: identity.LayerToolGateway, ToolName: "delete_user"},
	}
	body, _ := json.Marshal(ev)

	req := httptest.NewRequest(http.MethodPost, "/enforce", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision engine.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Decision != "allow" {
		t.Fatalf("expected allow, got %+v", decision)
	}
}

func TestHandleInstallBundle_RequiresManagementAuth(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(installBundleRequest{Bundle: allowAllBundle("b1")})

	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHandleInstallBundle_ActivateAndRollback(t *testing.T) {
	env := newTestEnv(t)
	token := env.bearer(t, "operator")

	body, _ := json.Marshal(installBundleRequest{Bundle: allowAllBundle("b1")})
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var installed installBundleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &installed))
	assert.NotEmpty(t, installed.VersionId)

	req = httptest.NewRequest(http.MethodPost, "/bundles/"+string(installed.VersionId)+"/activate", nil)
	req.Header.Set("Authorization", token)
	rec = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/rollback", nil)
	req.Header.Set("Authorization", token)
	rec = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code, "rolling back with no prior version should conflict")
}

func TestHandleTelemetry_FiltersAndAuth(t *testing.T) {
	env := newTestEnv(t)
	store := env.srv.Hitlog.(*hitlog.MemoryStore)
	_ = store.AppendSession(hitlog.SessionRecord{
		SessionId: "s1", AgentId: "agent-a",
		Record: audit.Full{Compact: audit.Compact{TimestampMs: 1}, Outcome: action.OutcomeDenied},
	})

	req := httptest.NewRequest(http.MethodGet, "/telemetry?agent_id=agent-a", nil)
	req.Header.Set("Authorization", env.bearer(t, "viewer"))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(body["total"].(float64)) != 1 {
		t.Fatalf("expected 1 matching session, got %v", body["total"])
	}
}

func TestHandleGetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	req.Header.Set("Authorization", env.bearer(t, "viewer"))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleHealthzAndMetrics_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 healthz, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 metrics, got %d", rec.Code)
	}
}
