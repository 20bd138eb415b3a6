// Package service is the orchestration core: it sequences idempotency
// registration, risk scoring, scope/CAB/evidence validation, dispatch, and
// audit recording for each deployment intent.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/config"
	"github.com/ringops/ringway/internal/connector"
	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/evidence"
	"github.com/ringops/ringway/internal/gates"
	"github.com/ringops/ringway/internal/model"
	"github.com/ringops/ringway/internal/rollback"
	"github.com/ringops/ringway/internal/scope"
)

// Operation keys for the whole-operation idempotency registrations; the
// dispatcher separately keys each connector side effect.
const (
	opDeploy   = "deploy"
	opRollback = "rollback"
)

// Service wires the orchestration core together. All dependencies are
// injected; tests construct isolated instances.
type Service struct {
	policies   *config.PolicyProvider
	store      audit.Store
	approvals  scope.ApprovalStore
	scopes     *scope.Validator
	dispatcher *dispatch.Dispatcher
	rollbacks  *rollback.Orchestrator
	actor      string
	now        func() time.Time
}

func New(policies *config.PolicyProvider, store audit.Store, approvals scope.ApprovalStore,
	dispatcher *dispatch.Dispatcher, rollbacks *rollback.Orchestrator, actor string) *Service {
	if actor == "" {
		actor = "service:ringway"
	}
	return &Service{
		policies:   policies,
		store:      store,
		approvals:  approvals,
		scopes:     scope.NewValidator(approvals),
		dispatcher: dispatcher,
		rollbacks:  rollbacks,
		actor:      actor,
		now:        time.Now,
	}
}

// DeployRequest is the typed intake for one deployment intent. The publisher
// and app scopes come from the external CRUD backend; callers resolve them
// before submission.
type DeployRequest struct {
	CorrelationID  correlation.ID
	AppID          string
	Version        string
	TargetRing     model.Ring
	TargetScope    model.Scope
	PublisherScope model.Scope
	AppScope       model.Scope
	Connector      string
	RiskFactors    map[string]float64
	RollbackPlan   model.RollbackPlan
	Evidence       model.EvidencePack
	CABApprovalID  string
	Actor          string
}

// DeployStatus summarizes the terminal state of one deploy invocation.
type DeployStatus string

const (
	DeployCompleted DeployStatus = "completed"
	DeployBlocked   DeployStatus = "blocked"
	DeployFailed    DeployStatus = "failed"
)

// DeployResult carries the full decision record back to the caller and into
// the audit log.
type DeployResult struct {
	CorrelationID    correlation.ID            `json:"correlationId"`
	Status           DeployStatus              `json:"status"`
	RiskScore        float64                   `json:"riskScore"`
	RiskModelVersion string                    `json:"riskModelVersion"`
	Scope            scope.Result              `json:"scope"`
	Evidence         evidence.Result           `json:"evidence"`
	Connector        connector.OperationResult `json:"connector,omitempty"`
	Errors           []string                  `json:"errors,omitempty"`
}

// Deploy runs the full dispatch cycle for one intent. Submitting the same
// correlation ID again replays the recorded result without re-running side
// effects.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	if err := req.CorrelationID.Validate(); err != nil {
		return DeployResult{}, dispatch.NewPermanent(err)
	}
	if req.AppID == "" || req.Version == "" || req.Connector == "" {
		return DeployResult{}, dispatch.NewPermanent(fmt.Errorf("appId, version and connector are required"))
	}

	isNew, err := s.store.Register(ctx, req.CorrelationID, opDeploy)
	if err != nil {
		return DeployResult{}, fmt.Errorf("register deploy: %w", err)
	}
	if !isNew {
		return s.replayDeploy(ctx, req.CorrelationID)
	}

	policy := s.policies.Current()

	intent := model.DeploymentIntent{
		CorrelationID: req.CorrelationID,
		AppID:         req.AppID,
		Version:       req.Version,
		TargetRing:    req.TargetRing,
		TargetScope:   req.TargetScope,
		Connector:     req.Connector,
		RiskFactors:   req.RiskFactors,
		RollbackPlan:  req.RollbackPlan,
		CABApprovalID: req.CABApprovalID,
		Actor:         req.Actor,
		CreatedAt:     s.now().UTC(),
	}
	intent.RiskScore = policy.RiskModel.Score(req.RiskFactors)

	s.emit(ctx, req.CorrelationID, audit.EventDeployRequested, map[string]interface{}{
		"operation": "deploy.request",
		"intent":    intent,
	})

	result := DeployResult{
		CorrelationID:    req.CorrelationID,
		RiskScore:        intent.RiskScore,
		RiskModelVersion: policy.RiskModel.Version,
	}

	scopeRes, err := s.scopes.ValidateScope(ctx, req.TargetScope,
		scope.Authorization{Publisher: req.PublisherScope, App: req.AppScope}, req.CABApprovalID)
	if err != nil {
		return DeployResult{}, fmt.Errorf("scope validation: %w", err)
	}
	result.Scope = scopeRes

	result.Evidence = evidence.Validate(req.Evidence, policy.EvidenceSchema)

	if !scopeRes.Valid || !result.Evidence.Valid {
		result.Status = DeployBlocked
		result.Errors = append(result.Errors, scopeRes.Errors...)
		result.Errors = append(result.Errors, result.Evidence.Errors...)
		s.recordBlocked(ctx, req.CorrelationID, result)
		return result, dispatch.NewPolicyViolation(fmt.Errorf("deployment blocked: %d violation(s)", len(result.Errors)))
	}

	connRes, dispatchErr := s.dispatcher.Publish(ctx, intent)
	result.Connector = connRes
	if dispatchErr != nil {
		result.Status = DeployFailed
		result.Errors = append(result.Errors, dispatchErr.Error())
		s.emit(ctx, req.CorrelationID, audit.EventDeployFailed, map[string]interface{}{
			"operation": opDeploy,
			"result":    result,
		})
		return result, dispatchErr
	}

	result.Status = DeployCompleted
	s.emit(ctx, req.CorrelationID, audit.EventDeployCompleted, map[string]interface{}{
		"operation": opDeploy,
		"result":    result,
	})
	return result, nil
}

// recordBlocked audits a governance block: a validation-failed event plus the
// governance notification path.
func (s *Service) recordBlocked(ctx context.Context, id correlation.ID, result DeployResult) {
	s.emit(ctx, id, audit.EventValidationFailed, map[string]interface{}{
		"operation": opDeploy,
		"result":    result,
	})
	s.emit(ctx, id, audit.EventGovernanceNotified, map[string]interface{}{
		"operation":  opDeploy,
		"violations": result.Errors,
	})
}

// replayDeploy resolves a duplicate submission from the audit log.
func (s *Service) replayDeploy(ctx context.Context, id correlation.ID) (DeployResult, error) {
	events, err := s.store.QueryByCorrelation(ctx, id)
	if err != nil {
		return DeployResult{}, fmt.Errorf("replay lookup: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.EventType {
		case audit.EventDeployCompleted, audit.EventDeployFailed, audit.EventValidationFailed:
		default:
			continue
		}
		var payload struct {
			Operation string       `json:"operation"`
			Result    DeployResult `json:"result"`
		}
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(b, &payload); err != nil || payload.Operation != opDeploy {
			continue
		}
		s.emit(ctx, id, audit.EventDeployDuplicate, map[string]interface{}{
			"operation": opDeploy,
			"status":    payload.Result.Status,
		})
		switch payload.Result.Status {
		case DeployBlocked:
			return payload.Result, dispatch.NewPolicyViolation(fmt.Errorf("deployment blocked (replayed)"))
		case DeployFailed:
			return payload.Result, dispatch.NewPermanent(fmt.Errorf("deployment failed (replayed)"))
		default:
			return payload.Result, nil
		}
	}
	return DeployResult{}, &dispatch.ClassifiedError{Class: dispatch.ClassTransient, Err: dispatch.ErrInFlight}
}

// PromotionRequest asks whether a deployment may advance past the given ring.
type PromotionRequest struct {
	CorrelationID correlation.ID
	Ring          model.Ring
	Telemetry     model.Telemetry
	RiskFactors   map[string]float64
	RiskScore     *float64
	RollbackPlan  model.RollbackPlan
	CABApprovalID string
}

// EvaluatePromotion evaluates all gates for the requested ring transition and
// records the decision as an audit event. The policy snapshot is taken once,
// so a concurrent reload never splits one evaluation across two models.
func (s *Service) EvaluatePromotion(ctx context.Context, req PromotionRequest) (gates.Result, error) {
	if err := req.CorrelationID.Validate(); err != nil {
		return gates.Result{}, dispatch.NewPermanent(err)
	}
	policy := s.policies.Current()

	evaluator, err := gates.NewEvaluator(policy.Rings)
	if err != nil {
		return gates.Result{}, fmt.Errorf("ring policy: %w", err)
	}

	riskScore := policy.RiskModel.Score(req.RiskFactors)
	if req.RiskScore != nil {
		riskScore = *req.RiskScore
	}

	cabApproved := false
	if req.CABApprovalID != "" {
		decision, err := scope.ValidateCABApproval(ctx, s.approvals, req.CABApprovalID, s.now())
		if err != nil {
			return gates.Result{}, err
		}
		cabApproved = decision.Approved
	}

	result, err := evaluator.Evaluate(req.Ring, req.Telemetry, gates.Input{
		RiskScore:         riskScore,
		RollbackValidated: req.RollbackPlan.Validated,
		CABApprovalID:     req.CABApprovalID,
		CABApproved:       cabApproved,
	})
	if err != nil {
		return gates.Result{}, dispatch.NewPermanent(err)
	}

	nextRing, _ := evaluator.Next(req.Ring)
	s.emit(ctx, req.CorrelationID, audit.EventPromotionEvaluated, map[string]interface{}{
		"ring":      req.Ring,
		"nextRing":  nextRing,
		"riskScore": riskScore,
		"decision":  result,
	})
	return result, nil
}

// RollbackRequest triggers recovery for a previously-dispatched deployment.
// CorrelationID identifies the rollback operation itself; retrying the same
// request with the same ID replays the recorded outcome.
type RollbackRequest struct {
	CorrelationID           correlation.ID
	DeploymentCorrelationID correlation.ID
	Strategy                model.RollbackStrategy
	TargetDevices           []string
}

// Rollback recovers the original intent from the audit log, builds a plan,
// and executes it through the orchestrator exactly once per correlation ID.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (rollback.Outcome, error) {
	if err := req.CorrelationID.Validate(); err != nil {
		return rollback.Outcome{}, dispatch.NewPermanent(err)
	}
	if err := req.DeploymentCorrelationID.Validate(); err != nil {
		return rollback.Outcome{}, dispatch.NewPermanent(err)
	}

	// Intent lookup is a read; an unknown deployment stays retryable because
	// nothing has been registered yet.
	intent, err := s.findIntent(ctx, req.DeploymentCorrelationID)
	if err != nil {
		return rollback.Outcome{}, err
	}

	isNew, err := s.store.Register(ctx, req.CorrelationID, opRollback)
	if err != nil {
		return rollback.Outcome{}, fmt.Errorf("register rollback: %w", err)
	}
	if !isNew {
		return s.replayRollback(ctx, req.CorrelationID)
	}

	plan, err := s.rollbacks.InitiateRollback(req.CorrelationID, *intent, req.Strategy, req.TargetDevices)
	if err != nil {
		s.emit(ctx, req.CorrelationID, audit.EventRollbackFailed, map[string]interface{}{
			"deploymentCorrelationId": req.DeploymentCorrelationID,
			"error":                   err.Error(),
		})
		return rollback.Outcome{}, err
	}
	return s.rollbacks.Execute(ctx, plan)
}

// replayRollback resolves a duplicate rollback submission from the audit log.
func (s *Service) replayRollback(ctx context.Context, id correlation.ID) (rollback.Outcome, error) {
	events, err := s.store.QueryByCorrelation(ctx, id)
	if err != nil {
		return rollback.Outcome{}, fmt.Errorf("replay lookup: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].EventType {
		case audit.EventRollbackReconciled:
			var payload struct {
				Outcome rollback.Outcome `json:"outcome"`
			}
			b, err := json.Marshal(events[i].Payload)
			if err != nil {
				continue
			}
			if err := json.Unmarshal(b, &payload); err != nil || payload.Outcome.Plan.CorrelationID == "" {
				continue
			}
			return payload.Outcome, nil
		case audit.EventRollbackFailed:
			return rollback.Outcome{}, dispatch.NewPermanent(fmt.Errorf("rollback failed (replayed)"))
		}
	}
	return rollback.Outcome{}, &dispatch.ClassifiedError{Class: dispatch.ClassTransient, Err: dispatch.ErrInFlight}
}

// findIntent decodes the recorded deployment intent from the audit history.
func (s *Service) findIntent(ctx context.Context, id correlation.ID) (*model.DeploymentIntent, error) {
	events, err := s.store.QueryByCorrelation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("intent lookup: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType != audit.EventDeployRequested {
			continue
		}
		var payload struct {
			Intent model.DeploymentIntent `json:"intent"`
		}
		b, err := json.Marshal(events[i].Payload)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(b, &payload); err != nil || payload.Intent.AppID == "" {
			continue
		}
		return &payload.Intent, nil
	}
	return nil, dispatch.NewPermanent(fmt.Errorf("no recorded intent for %s: %w", id, audit.ErrNotFound))
}

// StatusReport combines audit history with live connector state.
type StatusReport struct {
	CorrelationID correlation.ID           `json:"correlationId"`
	Events        []*audit.Event           `json:"events"`
	Connectors    []connector.StatusReport `json:"connectors,omitempty"`
}

// Status returns the audit history for a correlation ID plus, when the
// deployment's connector is known, its live device state.
func (s *Service) Status(ctx context.Context, id correlation.ID) (StatusReport, error) {
	if err := id.Validate(); err != nil {
		return StatusReport{}, dispatch.NewPermanent(err)
	}
	events, err := s.store.QueryByCorrelation(ctx, id)
	if err != nil {
		return StatusReport{}, fmt.Errorf("status lookup: %w", err)
	}
	report := StatusReport{CorrelationID: id, Events: events}

	if intent, err := s.findIntent(ctx, id); err == nil {
		if reports, err := s.dispatcher.GetStatus(ctx, intent.Connector, id); err == nil {
			report.Connectors = reports
		} else {
			log.Printf("[service] live status for %s: %v", id, err)
		}
	}
	return report, nil
}

// RiskScore scores the factors against the active model.
func (s *Service) RiskScore(factors map[string]float64) (float64, string) {
	policy := s.policies.Current()
	return policy.RiskModel.Score(factors), policy.RiskModel.Version
}

// ValidateEvidence checks a pack against the active schema.
func (s *Service) ValidateEvidence(pack model.EvidencePack) evidence.Result {
	return evidence.Validate(pack, s.policies.Current().EvidenceSchema)
}

// CABApproval resolves one approval record.
func (s *Service) CABApproval(ctx context.Context, approvalID string) (scope.CABDecision, error) {
	return scope.ValidateCABApproval(ctx, s.approvals, approvalID, s.now())
}

// ConnectorHealth reports the health of every registered connector.
func (s *Service) ConnectorHealth(ctx context.Context) map[string]connector.Health {
	return s.dispatcher.HealthAll(ctx)
}

// AuditExportRange returns events in [from, to) for governance export.
func (s *Service) AuditExportRange(ctx context.Context, from, to time.Time) ([]*audit.Event, error) {
	return s.store.QueryRange(ctx, from, to)
}

func (s *Service) emit(ctx context.Context, id correlation.ID, eventType string, payload map[string]interface{}) {
	ev := &audit.Event{
		CorrelationID: id,
		EventType:     eventType,
		Actor:         s.actor,
		Payload:       payload,
	}
	if err := s.store.Append(ctx, ev); err != nil {
		log.Printf("[service] append audit event %s for %s: %v", eventType, id, err)
	}
}
