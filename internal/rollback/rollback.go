// Package rollback plans and drives the recovery path: strategy selection,
// precondition checks, dispatch, and a reconciliation loop that reports
// partial outcomes instead of a binary pass/fail.
package rollback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/connector"
	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/model"
)

// Plan is the validated rollback plan produced before any dispatch.
type Plan struct {
	CorrelationID    correlation.ID         `json:"correlationId"`
	DeploymentID     correlation.ID         `json:"deploymentCorrelationId"`
	Strategy         model.RollbackStrategy `json:"strategy"`
	Connector        string                 `json:"connector"`
	AppID            string                 `json:"appId"`
	RestoreVersion   string                 `json:"restoreVersion,omitempty"`
	UninstallCommand string                 `json:"uninstallCommand,omitempty"`
	DetectionRule    string                 `json:"detectionRule"`
	TargetDevices    []string               `json:"targetDevices"`
	TargetRing       model.Ring             `json:"targetRing"`
	TargetScope      model.Scope            `json:"targetScope"`
}

// Outcome reports what the reconciliation loop actually observed. A rollback
// short of full convergence is a partial outcome with the non-converged
// subset, never silently a success.
type Outcome struct {
	Plan         Plan     `json:"plan"`
	Converged    bool     `json:"converged"`
	NonCompliant []string `json:"nonCompliant,omitempty"`
	Redispatches int      `json:"redispatches"`
	Escalated    bool     `json:"escalated"`
}

// Config bounds the reconciliation loop.
type Config struct {
	PollInterval    time.Duration
	ReconcileWindow time.Duration
	MaxRedispatches int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = 5 * time.Minute
	}
	if c.MaxRedispatches <= 0 {
		c.MaxRedispatches = 2
	}
	return c
}

// Orchestrator composes rollback plans and re-invokes the dispatch layer.
type Orchestrator struct {
	dispatcher *dispatch.Dispatcher
	store      audit.Store
	cfg        Config
	actor      string
}

func NewOrchestrator(dispatcher *dispatch.Dispatcher, store audit.Store, cfg Config, actor string) *Orchestrator {
	if actor == "" {
		actor = "service:ringway"
	}
	return &Orchestrator{
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg.withDefaults(),
		actor:      actor,
	}
}

// InitiateRollback validates preconditions against the deployment intent's
// rollback plan and returns an executable Plan under the caller-supplied
// rollback correlation ID, so retrying the same rollback request replays
// instead of re-executing. All violated preconditions are reported together.
func (o *Orchestrator) InitiateRollback(id correlation.ID, intent model.DeploymentIntent, strategy model.RollbackStrategy, targetDevices []string) (Plan, error) {
	if err := id.Validate(); err != nil {
		return Plan{}, dispatch.NewPermanent(err)
	}

	var errs []string

	switch strategy {
	case model.StrategyVersionPin, model.StrategyRemediationScript:
		if intent.RollbackPlan.PreviousVersion == "" {
			errs = append(errs, "previous version not retained")
		}
	case model.StrategyTargetedUninstall:
		if intent.RollbackPlan.UninstallCommand == "" {
			errs = append(errs, "uninstall command not present")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown rollback strategy %q", strategy))
	}
	if intent.RollbackPlan.DetectionRule == "" {
		errs = append(errs, "detection rule missing")
	}
	if len(targetDevices) == 0 {
		errs = append(errs, "no target devices")
	}
	if len(errs) > 0 {
		return Plan{}, dispatch.NewPermanent(fmt.Errorf("rollback preconditions failed: %v", errs))
	}

	return Plan{
		CorrelationID:    id,
		DeploymentID:     intent.CorrelationID,
		Strategy:         strategy,
		Connector:        intent.Connector,
		AppID:            intent.AppID,
		RestoreVersion:   intent.RollbackPlan.PreviousVersion,
		UninstallCommand: intent.RollbackPlan.UninstallCommand,
		DetectionRule:    intent.RollbackPlan.DetectionRule,
		TargetDevices:    targetDevices,
		TargetRing:       intent.TargetRing,
		TargetScope:      intent.TargetScope,
	}, nil
}

// Execute dispatches the plan and reconciles until convergence, a bounded
// timeout, or escalation after the re-dispatch budget is spent.
func (o *Orchestrator) Execute(ctx context.Context, plan Plan) (Outcome, error) {
	o.emit(ctx, plan.CorrelationID, audit.EventRollbackInitiated, map[string]interface{}{"plan": plan})

	if err := o.dispatchWave(ctx, plan, plan.CorrelationID, plan.TargetDevices); err != nil {
		o.emit(ctx, plan.CorrelationID, audit.EventRollbackFailed, map[string]interface{}{
			"plan":  plan,
			"error": err.Error(),
		})
		return Outcome{Plan: plan}, fmt.Errorf("rollback dispatch: %w", err)
	}

	outcome := o.reconcile(ctx, plan)

	o.emit(ctx, plan.CorrelationID, audit.EventRollbackReconciled, map[string]interface{}{"outcome": outcome})
	if outcome.Escalated {
		o.emit(ctx, plan.CorrelationID, audit.EventRollbackEscalated, map[string]interface{}{
			"nonCompliant": outcome.NonCompliant,
			"redispatches": outcome.Redispatches,
		})
	}
	return outcome, nil
}

// dispatchWave issues the strategy's operation for the given device subset
// under the given correlation ID.
func (o *Orchestrator) dispatchWave(ctx context.Context, plan Plan, id correlation.ID, devices []string) error {
	switch plan.Strategy {
	case model.StrategyTargetedUninstall:
		_, err := o.dispatcher.RemoveMany(ctx, plan.Connector, devices, id)
		return err
	case model.StrategyVersionPin, model.StrategyRemediationScript:
		intent := model.DeploymentIntent{
			CorrelationID: id,
			AppID:         plan.AppID,
			Version:       plan.RestoreVersion,
			TargetRing:    plan.TargetRing,
			TargetScope:   plan.TargetScope,
			TargetDevices: devices,
			Connector:     plan.Connector,
			RollbackPlan:  model.RollbackPlan{Validated: true, DetectionRule: plan.DetectionRule},
			Actor:         o.actor,
			CreatedAt:     time.Now().UTC(),
		}
		_, err := o.dispatcher.Publish(ctx, intent)
		return err
	default:
		return dispatch.NewPermanent(fmt.Errorf("unknown rollback strategy %q", plan.Strategy))
	}
}

// reconcile polls status until every target device reports compliant or the
// window closes. Still-failing subsets get a bounded number of automatic
// re-dispatches (each under a fresh correlation ID, since a re-dispatch is a
// new logical operation) before escalation to manual intervention.
func (o *Orchestrator) reconcile(ctx context.Context, plan Plan) Outcome {
	outcome := Outcome{Plan: plan}
	deadline := time.Now().Add(o.cfg.ReconcileWindow)
	observed := false

	for {
		reports, err := o.dispatcher.GetStatus(ctx, plan.Connector, plan.CorrelationID)
		if err != nil {
			log.Printf("[rollback] status poll for %s: %v", plan.CorrelationID, err)
		} else {
			observed = true
			outcome.NonCompliant = nonCompliantDevices(reports, plan.TargetDevices)
			if len(outcome.NonCompliant) == 0 {
				outcome.Converged = true
				return outcome
			}
		}

		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}

		if len(outcome.NonCompliant) > 0 && outcome.Redispatches < o.cfg.MaxRedispatches {
			waveID := correlation.New(correlation.KindRollback)
			if err := o.dispatchWave(ctx, plan, waveID, outcome.NonCompliant); err != nil {
				log.Printf("[rollback] re-dispatch wave %s: %v", waveID, err)
			}
			outcome.Redispatches++
		}

		select {
		case <-ctx.Done():
			return escalate(outcome, observed)
		case <-time.After(o.cfg.PollInterval):
		}
	}

	return escalate(outcome, observed)
}

// escalate finalizes a non-converged outcome. A window that closed with zero
// successful status observations counts every target device as non-compliant;
// convergence was never confirmed for any of them.
func escalate(outcome Outcome, observed bool) Outcome {
	if !observed {
		outcome.NonCompliant = append([]string(nil), outcome.Plan.TargetDevices...)
	}
	outcome.Escalated = len(outcome.NonCompliant) > 0
	return outcome
}

// nonCompliantDevices intersects reported non-compliance with the plan's
// target set; devices the backend does not report on count as non-compliant.
func nonCompliantDevices(reports []connector.StatusReport, targets []string) []string {
	state := map[string]bool{}
	for _, report := range reports {
		for _, d := range report.Devices {
			state[d.DeviceID] = d.Compliant
		}
	}
	var out []string
	for _, d := range targets {
		if compliant, seen := state[d]; !seen || !compliant {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) emit(ctx context.Context, id correlation.ID, eventType string, payload map[string]interface{}) {
	ev := &audit.Event{
		CorrelationID: id,
		EventType:     eventType,
		Actor:         o.actor,
		Payload:       payload,
	}
	if err := o.store.Append(ctx, ev); err != nil {
		log.Printf("[rollback] append audit event %s for %s: %v", eventType, id, err)
	}
}
