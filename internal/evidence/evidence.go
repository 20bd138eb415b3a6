// Package evidence validates the proof bundle required before an artifact may
// leave the first ring. It never creates evidence; the packaging pipeline does.
package evidence

import (
	"fmt"
	"strings"

	"github.com/ringops/ringway/internal/model"
)

// PolicyDecisionExceptionGranted is the only scan decision that permits
// promotion with outstanding critical findings.
const PolicyDecisionExceptionGranted = "exception_granted"

// Schema is the required-field list for an evidence pack, loaded from the
// policy bundle.
type Schema struct {
	RequiredFields []string
}

// Result collects every failed check so operators get the complete
// remediation picture in one pass.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate runs all checks against the pack without short-circuiting:
// required fields present and non-empty, artifact signed, critical scan
// findings resolved or excepted, rollback plan validated, and at least one
// successful install test.
func Validate(pack model.EvidencePack, schema Schema) Result {
	var errs []string

	for _, field := range schema.RequiredFields {
		if strings.TrimSpace(pack.Fields[field]) == "" {
			errs = append(errs, fmt.Sprintf("required evidence field %q missing or empty", field))
		}
	}

	if !pack.Signed {
		errs = append(errs, "artifact is not signed")
	}

	if pack.Scan.CriticalFindings > 0 && pack.Scan.PolicyDecision != PolicyDecisionExceptionGranted {
		errs = append(errs, fmt.Sprintf(
			"vulnerability scan reports %d unresolved critical finding(s) without a granted exception",
			pack.Scan.CriticalFindings))
	}

	if !pack.RollbackPlan.Validated {
		errs = append(errs, "rollback plan has not been validated")
	}

	if pack.InstallTests.Successes <= 0 {
		errs = append(errs, "no successful install test recorded")
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}
