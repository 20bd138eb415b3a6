package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringops/ringway/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func testRings() []RingPolicy {
	return []RingPolicy{
		{Ring: "lab", SuccessRateThreshold: 0, MaxComplianceHours: 999, MaxIncidents: 99},
		{Ring: "canary", SuccessRateThreshold: 0.95, MaxComplianceHours: 24, MaxIncidents: 0, CABRiskThreshold: floatPtr(50)},
		{Ring: "early", SuccessRateThreshold: 0.97, MaxComplianceHours: 48, MaxIncidents: 1, CABRiskThreshold: floatPtr(50)},
		{Ring: "broad", SuccessRateThreshold: 0.98, MaxComplianceHours: 72, MaxIncidents: 2, CABRiskThreshold: floatPtr(30)},
	}
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(testRings())
	require.NoError(t, err)
	return e
}

func TestEvaluateAllGatesPass(t *testing.T) {
	e := newTestEvaluator(t)

	res, err := e.Evaluate("canary", model.Telemetry{
		SuccessRate:           0.99,
		TimeToComplianceHours: 4,
		IncidentCount:         0,
	}, Input{RiskScore: 20, RollbackValidated: true})
	require.NoError(t, err)

	assert.True(t, res.AllowPromotion)
	assert.Empty(t, res.GatesFailed)
	assert.Len(t, res.Details, 5)
	assert.ElementsMatch(t, []string{
		GateSuccessRate, GateTimeToCompliance, GateIncidentCount,
		GateCABApproval, GateRollbackValidation,
	}, res.GatesPassed)
}

func TestEvaluateCABGateBlocksHighRiskWithoutApproval(t *testing.T) {
	e := newTestEvaluator(t)

	tel := model.Telemetry{SuccessRate: 0.99, TimeToComplianceHours: 4}

	// Risk 60 over a threshold of 50: approval is mandatory.
	res, err := e.Evaluate("canary", tel, Input{RiskScore: 60})
	require.NoError(t, err)
	assert.False(t, res.AllowPromotion)
	assert.Contains(t, res.GatesFailed, GateCABApproval)

	// Same risk with a currently-valid approval passes.
	res, err = e.Evaluate("canary", tel, Input{
		RiskScore:     60,
		CABApprovalID: "cab-1",
		CABApproved:   true,
	})
	require.NoError(t, err)
	assert.True(t, res.AllowPromotion)

	// An approval ID whose record is not currently valid does not count.
	res, err = e.Evaluate("canary", tel, Input{
		RiskScore:     60,
		CABApprovalID: "cab-1",
		CABApproved:   false,
	})
	require.NoError(t, err)
	assert.Contains(t, res.GatesFailed, GateCABApproval)
}

func TestEvaluateCABGateDisabledWhenNoThreshold(t *testing.T) {
	e := newTestEvaluator(t)
	res, err := e.Evaluate("lab", model.Telemetry{SuccessRate: 1}, Input{
		RiskScore:         95,
		RollbackValidated: true,
	})
	require.NoError(t, err)
	assert.Contains(t, res.GatesPassed, GateCABApproval)
}

func TestEvaluateRollbackGateOnlyAtFirstRing(t *testing.T) {
	e := newTestEvaluator(t)

	res, err := e.Evaluate("lab", model.Telemetry{SuccessRate: 1}, Input{RollbackValidated: false})
	require.NoError(t, err)
	assert.Contains(t, res.GatesFailed, GateRollbackValidation)

	res, err = e.Evaluate("canary", model.Telemetry{
		SuccessRate:           0.99,
		TimeToComplianceHours: 1,
	}, Input{RiskScore: 10, RollbackValidated: false})
	require.NoError(t, err)
	assert.Contains(t, res.GatesPassed, GateRollbackValidation)
}

func TestEvaluateTelemetryGates(t *testing.T) {
	e := newTestEvaluator(t)

	res, err := e.Evaluate("broad", model.Telemetry{
		SuccessRate:           0.90,
		TimeToComplianceHours: 100,
		IncidentCount:         5,
	}, Input{RiskScore: 10})
	require.NoError(t, err)

	assert.False(t, res.AllowPromotion)
	assert.ElementsMatch(t, []string{
		GateSuccessRate, GateTimeToCompliance, GateIncidentCount,
	}, res.GatesFailed)

	// Boundary values pass: thresholds are inclusive.
	res, err = e.Evaluate("broad", model.Telemetry{
		SuccessRate:           0.98,
		TimeToComplianceHours: 72,
		IncidentCount:         2,
	}, Input{RiskScore: 10})
	require.NoError(t, err)
	assert.True(t, res.AllowPromotion)
}

func TestNextIsMonotonicForward(t *testing.T) {
	e := newTestEvaluator(t)

	next, err := e.Next("lab")
	require.NoError(t, err)
	assert.Equal(t, model.Ring("canary"), next)

	next, err = e.Next("broad")
	require.NoError(t, err)
	assert.Equal(t, model.Ring(""), next)

	_, err = e.Next("nope")
	assert.Error(t, err)
}

func TestEvaluateUnknownRing(t *testing.T) {
	e := newTestEvaluator(t)
	_, err := e.Evaluate("staging", model.Telemetry{}, Input{})
	assert.Error(t, err)
}

func TestNewEvaluatorValidation(t *testing.T) {
	_, err := NewEvaluator(nil)
	assert.Error(t, err)

	_, err = NewEvaluator([]RingPolicy{{Ring: "a"}, {Ring: "a"}})
	assert.Error(t, err)

	_, err = NewEvaluator([]RingPolicy{{Ring: ""}})
	assert.Error(t, err)
}
