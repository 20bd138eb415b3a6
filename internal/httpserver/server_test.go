package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/auth"
	"github.com/ringops/ringway/internal/config"
	"github.com/ringops/ringway/internal/connector"
	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/rollback"
	"github.com/ringops/ringway/internal/scope"
	"github.com/ringops/ringway/internal/service"
)

const (
	testSecret     = "test-secret"
	testPolicyYAML = `
risk_model:
  version: v1
  factors:
    install_complexity: 0.5
    blast_radius: 0.5
rings:
  - ring: lab
    success_rate_threshold: 0
    time_to_compliance_hours: 999
    max_incidents: 99
  - ring: canary
    success_rate_threshold: 0.95
    time_to_compliance_hours: 24
    max_incidents: 0
evidence:
  required_fields: []
connectors:
  - name: intune-lab
    type: memory
    devices: [dev-1]
retry:
  max_attempts: 3
  base_delay_ms: 1
  max_delay_ms: 2
`
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyYAML), 0o600))
	policies, err := config.NewPolicyProvider(path)
	require.NoError(t, err)

	store := audit.NewMemoryStore()
	approvals := scope.NewMemoryApprovals()
	conn := connector.NewMemoryConnector("intune-lab", []string{"dev-1"})
	conn.SetConvergeAfter(1)
	registry := connector.NewRegistry()
	require.NoError(t, registry.Add(conn))

	policy := policies.Current()
	dispatcher := dispatch.New(registry, store, policy.Retry, 2, "service:test")
	rollbacks := rollback.NewOrchestrator(dispatcher, store, rollback.Config{
		PollInterval:    time.Millisecond,
		ReconcileWindow: time.Second,
	}, "service:test")

	svc := service.New(policies, store, approvals, dispatcher, rollbacks, "service:test")
	return New(svc, auth.NewVerifier(testSecret), store).Router()
}

func bearerFor(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, "user:test", roles)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func deployBody() map[string]interface{} {
	return map[string]interface{}{
		"appId":      "app-7zip",
		"version":    "24.01",
		"targetRing": "lab",
		"targetScope": map[string]string{
			"orgUnit": "acme",
		},
		"publisherScope": map[string]string{
			"orgUnit": "acme",
		},
		"connector": "intune-lab",
		"riskFactors": map[string]float64{
			"install_complexity": 0.2,
		},
		"rollbackPlan": map[string]interface{}{
			"validated":       true,
			"previousVersion": "23.01",
			"detectionRule":   "registry:key",
		},
		"evidence": map[string]interface{}{
			"signed":       true,
			"rollbackPlan": map[string]interface{}{"validated": true},
			"installTests": map[string]int{"successes": 1},
		},
	}
}

func TestHealthAndReady(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeployRequiresAuth(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/rollout/deploy", "", deployBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "auditor"), deployBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeployMintsCorrelationID(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), deployBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result service.DeployResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NoError(t, result.CorrelationID.Validate())
	assert.Equal(t, service.DeployCompleted, result.Status)
	assert.Equal(t, 10.0, result.RiskScore)
}

func TestDeployValidatesDTO(t *testing.T) {
	handler := newTestHandler(t)

	body := deployBody()
	delete(body, "appId")
	rec := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = deployBody()
	body["correlationId"] = "garbage"
	rec = doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployDuplicateReturnsSameResult(t *testing.T) {
	handler := newTestHandler(t)

	body := deployBody()
	body["correlationId"] = "deploy-7f9c24e8-3b5a-4d1e-9f00-aaaaaaaaaaaa"

	first := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	var a, b service.DeployResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.RiskScore, b.RiskScore)
}

func TestStatusEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	body := deployBody()
	body["correlationId"] = "deploy-7f9c24e8-3b5a-4d1e-9f00-bbbbbbbbbbbb"
	rec := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/rollout/status/deploy-7f9c24e8-3b5a-4d1e-9f00-bbbbbbbbbbbb", bearerFor(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/rollout/status/deploy-7f9c24e8-3b5a-4d1e-9f00-cccccccccccc", bearerFor(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackEndpointReplaysOnSameCorrelationID(t *testing.T) {
	handler := newTestHandler(t)

	body := deployBody()
	body["correlationId"] = "deploy-7f9c24e8-3b5a-4d1e-9f00-eeeeeeeeeeee"
	rec := doJSON(t, handler, http.MethodPost, "/rollout/deploy", bearerFor(t, "operator"), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rollbackBody := map[string]interface{}{
		"correlationId":           "rollback-7f9c24e8-3b5a-4d1e-9f00-ffffffffffff",
		"deploymentCorrelationId": "deploy-7f9c24e8-3b5a-4d1e-9f00-eeeeeeeeeeee",
		"strategy":                "version_pin",
		"targetDevices":           []string{"dev-1"},
	}
	first := doJSON(t, handler, http.MethodPost, "/rollout/rollback", bearerFor(t, "operator"), rollbackBody)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := doJSON(t, handler, http.MethodPost, "/rollout/rollback", bearerFor(t, "operator"), rollbackBody)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestRollbackEndpointValidatesDTO(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/rollout/rollback", bearerFor(t, "operator"), map[string]interface{}{
		"deploymentCorrelationId": "deploy-7f9c24e8-3b5a-4d1e-9f00-eeeeeeeeeeee",
		"strategy":                "warp_core_eject",
		"targetDevices":           []string{"dev-1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskScoreEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/rollout/risk-score", bearerFor(t), map[string]interface{}{
		"factors": map[string]float64{"install_complexity": 1, "blast_radius": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Score        float64 `json:"score"`
		ModelVersion string  `json:"modelVersion"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100.0, resp.Score)
	assert.Equal(t, "v1", resp.ModelVersion)
}

func TestPromotionEvaluateEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/rollout/promotion/evaluate", bearerFor(t, "operator"), map[string]interface{}{
		"correlationId": "deploy-7f9c24e8-3b5a-4d1e-9f00-dddddddddddd",
		"ring":          "canary",
		"telemetry": map[string]interface{}{
			"successRate":           0.99,
			"timeToComplianceHours": 2,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "allowPromotion")
}

func TestConnectorHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/rollout/connectors/health", bearerFor(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "intune-lab")
}

func TestAuditExportRequiresAuditorRole(t *testing.T) {
	handler := newTestHandler(t)
	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	target := "/rollout/audit/export?from=" + from + "&to=" + to + "&format=csv"

	rec := doJSON(t, handler, http.MethodGet, target, bearerFor(t, "operator"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, target, bearerFor(t, "auditor"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "correlation_id,event_type"))
}

func TestAuditExportValidatesRange(t *testing.T) {
	handler := newTestHandler(t)
	rec := doJSON(t, handler, http.MethodGet, "/rollout/audit/export?from=nope&to=also-nope", bearerFor(t, "auditor"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
