// Package scope enforces tenant boundary containment and CAB approval
// currency for deployment targets.
package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/ringops/ringway/internal/model"
)

// Authorization describes who may publish where: the publisher's authorized
// scope and the app's registered scope. The target must be contained in both.
type Authorization struct {
	Publisher model.Scope
	App       model.Scope
}

// Result is the full outcome of a scope validation pass. All violated
// constraints are collected; callers see the complete error set in one pass.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator checks target scopes against publisher and app boundaries.
type Validator struct {
	approvals ApprovalStore
	now       func() time.Time
}

func NewValidator(approvals ApprovalStore) *Validator {
	return &Validator{approvals: approvals, now: time.Now}
}

// ValidateScope checks each boundary dimension of the target against the
// publisher's and the app's scope. A target whose org unit differs from the
// publisher's is a cross-boundary publish: it is rejected regardless of other
// dimension matches unless a currently-valid CAB approval ID accompanies it.
func (v *Validator) ValidateScope(ctx context.Context, target model.Scope, auth Authorization, cabApprovalID string) (Result, error) {
	var errs []string

	crossBoundary := target.OrgUnit != auth.Publisher.OrgUnit
	if crossBoundary {
		if cabApprovalID == "" {
			errs = append(errs, fmt.Sprintf(
				"cross-boundary publish: target org unit %q differs from publisher org unit %q and no CAB approval supplied",
				target.OrgUnit, auth.Publisher.OrgUnit))
		} else {
			decision, err := ValidateCABApproval(ctx, v.approvals, cabApprovalID, v.now())
			if err != nil {
				return Result{}, err
			}
			if !decision.Approved {
				errs = append(errs, fmt.Sprintf(
					"cross-boundary publish: CAB approval %s is not currently valid (status=%s)",
					cabApprovalID, decision.Status))
			}
		}
	}

	for _, dim := range []struct {
		name             string
		target, pub, app string
	}{
		{"org unit", target.OrgUnit, auth.Publisher.OrgUnit, auth.App.OrgUnit},
		{"business unit", target.BusinessUnit, auth.Publisher.BusinessUnit, auth.App.BusinessUnit},
		{"site", target.Site, auth.Publisher.Site, auth.App.Site},
	} {
		// The org unit mismatch against the publisher is the cross-boundary case
		// handled above; the remaining containment checks still apply.
		if !contained(dim.target, dim.pub) && !(dim.name == "org unit" && crossBoundary) {
			errs = append(errs, fmt.Sprintf("target %s %q outside publisher authorized scope %q", dim.name, dim.target, dim.pub))
		}
		if !contained(dim.target, dim.app) {
			errs = append(errs, fmt.Sprintf("target %s %q outside app registered scope %q", dim.name, dim.target, dim.app))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}, nil
}

// contained reports whether the target value sits inside an authorized scope
// value. An empty authorized value means "any"; otherwise values must match.
func contained(target, authorized string) bool {
	if authorized == "" || authorized == "*" {
		return true
	}
	return target == authorized
}
