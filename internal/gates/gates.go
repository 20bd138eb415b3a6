// Package gates implements the promotion gate evaluator: a state machine over
// an ordered ring sequence where every ring transition is gated on telemetry,
// risk, approval, and rollback readiness.
package gates

import (
	"fmt"

	"github.com/ringops/ringway/internal/model"
)

// Gate names, stable across config versions; these appear in audit events.
const (
	GateSuccessRate        = "success_rate"
	GateTimeToCompliance   = "time_to_compliance"
	GateIncidentCount      = "incident_count"
	GateCABApproval        = "cab_approval"
	GateRollbackValidation = "rollback_validation"
)

// RingPolicy is the per-ring threshold configuration.
type RingPolicy struct {
	Ring                 model.Ring `yaml:"ring"`
	SuccessRateThreshold float64    `yaml:"success_rate_threshold"`
	MaxComplianceHours   float64    `yaml:"time_to_compliance_hours"`
	MaxIncidents         int        `yaml:"max_incidents"`
	// CABRiskThreshold enables the cab_approval gate at this ring when the
	// intent's risk score exceeds it. Nil disables the gate entirely.
	CABRiskThreshold *float64 `yaml:"cab_approval_required_if_risk_gt,omitempty"`
}

// Input is the deployment-intent side of a gate evaluation.
type Input struct {
	RiskScore         float64
	RollbackValidated bool
	// CABApprovalID is the supplied approval ID, empty if none.
	CABApprovalID string
	// CABApproved is the resolved currency of that approval (status approved
	// and unexpired), resolved by the caller against the approval store.
	CABApproved bool
}

// GateDetail records threshold vs actual for one gate.
type GateDetail struct {
	Name      string      `json:"name"`
	Passed    bool        `json:"passed"`
	Required  bool        `json:"required"`
	Threshold interface{} `json:"threshold,omitempty"`
	Actual    interface{} `json:"actual,omitempty"`
}

// Result is the outcome of one attempted ring transition. A single failing
// gate blocks promotion; there is no partial promotion.
type Result struct {
	Ring           model.Ring   `json:"ring"`
	GatesPassed    []string     `json:"gatesPassed"`
	GatesFailed    []string     `json:"gatesFailed"`
	Details        []GateDetail `json:"details"`
	AllowPromotion bool         `json:"allowPromotion"`
}

// Evaluator evaluates ring transitions against an ordered ring sequence.
type Evaluator struct {
	rings []RingPolicy
	index map[model.Ring]int
}

// NewEvaluator builds an evaluator over the ordered ring policies. At least
// one ring is required; ring names must be unique.
func NewEvaluator(rings []RingPolicy) (*Evaluator, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("at least one ring required")
	}
	index := make(map[model.Ring]int, len(rings))
	for i, r := range rings {
		if r.Ring == "" {
			return nil, fmt.Errorf("ring %d: name required", i)
		}
		if _, dup := index[r.Ring]; dup {
			return nil, fmt.Errorf("duplicate ring %q", r.Ring)
		}
		index[r.Ring] = i
	}
	return &Evaluator{rings: rings, index: index}, nil
}

// Sequence returns the ordered ring names.
func (e *Evaluator) Sequence() []model.Ring {
	out := make([]model.Ring, len(e.rings))
	for i, r := range e.rings {
		out[i] = r.Ring
	}
	return out
}

// Next returns the ring after the given one, or "" at the end of the sequence.
// Ring transitions are monotonic forward; going back is the rollback
// orchestrator's business, never the evaluator's.
func (e *Evaluator) Next(ring model.Ring) (model.Ring, error) {
	i, ok := e.index[ring]
	if !ok {
		return "", fmt.Errorf("unknown ring %q", ring)
	}
	if i+1 >= len(e.rings) {
		return "", nil
	}
	return e.rings[i+1].Ring, nil
}

// Evaluate runs all five gates independently for the given ring and returns
// the full pass/fail set with per-gate threshold/actual detail.
func (e *Evaluator) Evaluate(ring model.Ring, tel model.Telemetry, in Input) (Result, error) {
	i, ok := e.index[ring]
	if !ok {
		return Result{}, fmt.Errorf("unknown ring %q", ring)
	}
	policy := e.rings[i]

	details := []GateDetail{
		{
			Name:      GateSuccessRate,
			Required:  true,
			Passed:    tel.SuccessRate >= policy.SuccessRateThreshold,
			Threshold: policy.SuccessRateThreshold,
			Actual:    tel.SuccessRate,
		},
		{
			Name:      GateTimeToCompliance,
			Required:  true,
			Passed:    tel.TimeToComplianceHours <= policy.MaxComplianceHours,
			Threshold: policy.MaxComplianceHours,
			Actual:    tel.TimeToComplianceHours,
		},
		{
			Name:      GateIncidentCount,
			Required:  true,
			Passed:    tel.IncidentCount <= policy.MaxIncidents,
			Threshold: policy.MaxIncidents,
			Actual:    tel.IncidentCount,
		},
		e.evaluateCAB(policy, in),
		e.evaluateRollback(i, in),
	}

	res := Result{Ring: ring, Details: details}
	for _, d := range details {
		if d.Passed {
			res.GatesPassed = append(res.GatesPassed, d.Name)
		} else {
			res.GatesFailed = append(res.GatesFailed, d.Name)
		}
	}
	res.AllowPromotion = len(res.GatesFailed) == 0
	return res, nil
}

// evaluateCAB requires a currently-approved CAB record only when the ring
// enables the gate and the intent's risk exceeds the ring threshold; the gate
// passes automatically otherwise.
func (e *Evaluator) evaluateCAB(policy RingPolicy, in Input) GateDetail {
	d := GateDetail{Name: GateCABApproval, Actual: in.RiskScore}
	if policy.CABRiskThreshold == nil {
		d.Passed = true
		return d
	}
	d.Threshold = *policy.CABRiskThreshold
	if in.RiskScore <= *policy.CABRiskThreshold {
		d.Passed = true
		return d
	}
	d.Required = true
	d.Passed = in.CABApprovalID != "" && in.CABApproved
	return d
}

// evaluateRollback requires a validated rollback plan unconditionally at the
// first ring; later rings pass automatically.
func (e *Evaluator) evaluateRollback(ringIndex int, in Input) GateDetail {
	d := GateDetail{Name: GateRollbackValidation, Actual: in.RollbackValidated}
	if ringIndex != 0 {
		d.Passed = true
		return d
	}
	d.Required = true
	d.Threshold = true
	d.Passed = in.RollbackValidated
	return d
}
