package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPolicy = `
risk_model:
  version: v1
  factors:
    install_complexity: 0.6
    blast_radius: 0.4
rings:
  - ring: lab
    success_rate_threshold: 0
    time_to_compliance_hours: 999
    max_incidents: 99
  - ring: canary
    success_rate_threshold: 0.95
    time_to_compliance_hours: 24
    max_incidents: 0
    cab_approval_required_if_risk_gt: 50
evidence:
  required_fields: [artifact_hash]
connectors:
  - name: intune-lab
    type: memory
    devices: [dev-1, dev-2]
  - name: jamf-prod
    type: rest
    base_url: https://jamf.example.com
    bearer_token_env: JAMF_TOKEN
    timeout_seconds: 10
retry:
  max_attempts: 4
  base_delay_ms: 100
  max_delay_ms: 5000
dispatch:
  per_connector_concurrency: 3
rollback:
  poll_interval_seconds: 5
  reconcile_window_seconds: 300
  max_redispatches: 2
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, minimalPolicy))
	require.NoError(t, err)

	assert.Equal(t, "v1", p.RiskModel.Version)
	assert.Len(t, p.Rings, 2)
	require.NotNil(t, p.Rings[1].CABRiskThreshold)
	assert.Equal(t, 50.0, *p.Rings[1].CABRiskThreshold)
	assert.Equal(t, []string{"artifact_hash"}, p.EvidenceSchema.RequiredFields)
	assert.Len(t, p.Connectors, 2)
	assert.Equal(t, 4, p.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.Retry.BaseDelay)
	assert.Equal(t, 3, p.PerConnectorConcurrency)
	assert.Equal(t, 5*time.Minute, p.RollbackWindow)
}

func TestLoadPolicyValidation(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(string) string
	}{
		{"no rings", func(s string) string {
			return strings.Replace(s, "rings:", "rings: []\nignored:", 1)
		}},
		{"negative weight", func(s string) string {
			return strings.Replace(s, "blast_radius: 0.4", "blast_radius: -0.4", 1)
		}},
		{"rest connector without base_url", func(s string) string {
			return strings.Replace(s, "base_url: https://jamf.example.com\n", "", 1)
		}},
		{"unknown connector type", func(s string) string {
			return strings.Replace(s, "type: memory", "type: carrier-pigeon", 1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, tc.mangle(minimalPolicy)))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	path := writePolicy(t, minimalPolicy)
	pp, err := NewPolicyProvider(path)
	require.NoError(t, err)

	before := pp.Current()

	require.NoError(t, os.WriteFile(path, []byte("rings: []"), 0o600))
	assert.Error(t, pp.Reload())
	assert.Same(t, before, pp.Current())

	// A valid rewrite swaps the snapshot.
	updated := strings.Replace(minimalPolicy, "version: v1", "version: v2", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, pp.Reload())
	assert.Equal(t, "v2", pp.Current().RiskModel.Version)
	assert.NotSame(t, before, pp.Current())
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := writePolicy(t, minimalPolicy)
	pp, err := NewPolicyProvider(path)
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	require.NoError(t, pp.Watch(done))

	updated := strings.Replace(minimalPolicy, "version: v1", "version: v3", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		return pp.Current().RiskModel.Version == "v3"
	}, 3*time.Second, 20*time.Millisecond)
}
