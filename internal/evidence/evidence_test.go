package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ringops/ringway/internal/model"
)

var testSchema = Schema{RequiredFields: []string{"artifact_hash", "sbom_ref"}}

func validPack() model.EvidencePack {
	return model.EvidencePack{
		Signed:       true,
		Scan:         model.VulnerabilityScan{CriticalFindings: 0},
		RollbackPlan: model.RollbackPlan{Validated: true},
		InstallTests: model.InstallTests{Successes: 3, Failures: 1},
		Fields: map[string]string{
			"artifact_hash": "sha256:abc",
			"sbom_ref":      "s3://evidence/sbom.json",
		},
	}
}

func TestValidatePasses(t *testing.T) {
	res := Validate(validPack(), testSchema)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateCollectsEveryFailure(t *testing.T) {
	pack := model.EvidencePack{
		Signed:       false,
		Scan:         model.VulnerabilityScan{CriticalFindings: 2},
		RollbackPlan: model.RollbackPlan{Validated: false},
		InstallTests: model.InstallTests{Successes: 0},
		Fields:       map[string]string{"artifact_hash": "  "},
	}

	res := Validate(pack, testSchema)
	assert.False(t, res.Valid)
	// Two missing fields plus signature, scan, rollback, and install failures.
	assert.Len(t, res.Errors, 6)
}

func TestValidateCriticalFindingsWithException(t *testing.T) {
	pack := validPack()
	pack.Scan = model.VulnerabilityScan{
		CriticalFindings: 1,
		PolicyDecision:   PolicyDecisionExceptionGranted,
	}
	res := Validate(pack, testSchema)
	assert.True(t, res.Valid)

	pack.Scan.PolicyDecision = "pending"
	res = Validate(pack, testSchema)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 1)
}

func TestValidateRequiredFieldWhitespaceIsMissing(t *testing.T) {
	pack := validPack()
	pack.Fields["sbom_ref"] = "   "
	res := Validate(pack, testSchema)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "sbom_ref")
}

func TestValidateEmptySchema(t *testing.T) {
	res := Validate(validPack(), Schema{})
	assert.True(t, res.Valid)
}
