// Package model contains the canonical domain types shared across the rollout
// control plane.
package model

import (
	"time"

	"github.com/ringops/ringway/internal/correlation"
)

// Ring identifies one cohort in the progressive rollout sequence.
type Ring string

// Scope describes a tenant boundary along the three governed dimensions.
type Scope struct {
	OrgUnit      string `json:"orgUnit" yaml:"org_unit"`
	BusinessUnit string `json:"businessUnit" yaml:"business_unit"`
	Site         string `json:"site" yaml:"site"`
}

// RollbackPlan is the pre-validated recovery plan carried by every intent.
type RollbackPlan struct {
	Validated        bool   `json:"validated"`
	PreviousVersion  string `json:"previousVersion,omitempty"`
	UninstallCommand string `json:"uninstallCommand,omitempty"`
	DetectionRule    string `json:"detectionRule,omitempty"`
}

// DeploymentIntent is a request to publish or remove an app version to a ring.
// It is immutable after dispatch; retries reuse the same correlation ID, and a
// changed request is a new intent with a new ID.
type DeploymentIntent struct {
	CorrelationID correlation.ID     `json:"correlationId"`
	AppID         string             `json:"appId"`
	Version       string             `json:"version"`
	TargetRing    Ring               `json:"targetRing"`
	TargetScope   Scope              `json:"targetScope"`
	// TargetDevices narrows the intent to a device subset; empty means the
	// whole ring scope. Rollback re-dispatch waves set it to the still-failing
	// devices.
	TargetDevices []string           `json:"targetDevices,omitempty"`
	Connector     string             `json:"connector"`
	RiskFactors   map[string]float64 `json:"riskFactors,omitempty"`
	RiskScore     float64            `json:"riskScore,omitempty"`
	RollbackPlan  RollbackPlan       `json:"rollbackPlan"`
	CABApprovalID string             `json:"cabApprovalId,omitempty"`
	Actor         string             `json:"actor,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Telemetry is the live signal consumed by the promotion gate evaluator.
type Telemetry struct {
	SuccessRate           float64 `json:"successRate"`
	TimeToComplianceHours float64 `json:"timeToComplianceHours"`
	IncidentCount         int     `json:"incidentCount"`
}

// CABStatus enumerates the states of a change-advisory-board approval record.
type CABStatus string

const (
	CABStatusApproved CABStatus = "approved"
	CABStatusDenied   CABStatus = "denied"
	CABStatusPending  CABStatus = "pending"
	CABStatusMissing  CABStatus = "missing"
)

// CABApproval is a governance approval record. It is created by the external
// approval workflow; this core only reads it.
type CABApproval struct {
	ID         string    `json:"id"`
	Status     CABStatus `json:"status"`
	Expiry     time.Time `json:"expiry"`
	Conditions []string  `json:"conditions,omitempty"`
}

// Usable reports whether the approval currently authorizes a deployment.
func (a CABApproval) Usable(now time.Time) bool {
	return a.Status == CABStatusApproved && now.Before(a.Expiry)
}

// VulnerabilityScan is the scan sub-object of an evidence pack.
type VulnerabilityScan struct {
	CriticalFindings int    `json:"criticalFindings"`
	PolicyDecision   string `json:"policyDecision,omitempty"`
}

// InstallTests records packaging-pipeline install test evidence.
type InstallTests struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// EvidencePack is the proof bundle required before an artifact may leave the
// first ring. It is produced externally and only validated here.
type EvidencePack struct {
	ArtifactHash string            `json:"artifactHash,omitempty"`
	SBOMRef      string            `json:"sbomRef,omitempty"`
	Signed       bool              `json:"signed"`
	Scan         VulnerabilityScan `json:"scan"`
	RollbackPlan RollbackPlan      `json:"rollbackPlan"`
	InstallTests InstallTests      `json:"installTests"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// RollbackStrategy selects how a rollback is executed on the backend.
type RollbackStrategy string

const (
	StrategyVersionPin        RollbackStrategy = "version_pin"
	StrategyTargetedUninstall RollbackStrategy = "targeted_uninstall"
	StrategyRemediationScript RollbackStrategy = "remediation_script"
)
