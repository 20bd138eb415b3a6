// Package httpserver exposes the rollout control plane over HTTP. It only
// decodes, validates, and translates; all decisions live in internal/service.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/auth"
	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/model"
	"github.com/ringops/ringway/internal/service"
)

// Roles gating the mutating and export surfaces.
const (
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

var validate = validator.New()

type Server struct {
	service  *service.Service
	verifier *auth.Verifier
	store    audit.Store
}

func New(svc *service.Service, verifier *auth.Verifier, store audit.Store) *Server {
	return &Server{service: svc, verifier: verifier, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/rollout", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(RoleOperator))
			r.Post("/deploy", s.handleDeploy)
			r.Post("/rollback", s.handleRollback)
			r.Post("/promotion/evaluate", s.handleEvaluatePromotion)
		})

		r.Post("/risk-score", s.handleRiskScore)
		r.Post("/evidence/validate", s.handleValidateEvidence)
		r.Get("/status/{correlationId}", s.handleStatus)
		r.Get("/connectors/health", s.handleConnectorHealth)
		r.Get("/cab/{approvalId}", s.handleCABApproval)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(RoleAuditor))
			r.Get("/audit/export", s.handleAuditExport)
		})
		r.Get("/audit/{correlationId}", s.handleAuditByCorrelation)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"ok": true}
	if err := s.store.Ping(r.Context()); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type scopeDTO struct {
	OrgUnit      string `json:"orgUnit"`
	BusinessUnit string `json:"businessUnit"`
	Site         string `json:"site"`
}

func (d scopeDTO) toModel() model.Scope {
	return model.Scope{OrgUnit: d.OrgUnit, BusinessUnit: d.BusinessUnit, Site: d.Site}
}

type deployRequest struct {
	CorrelationID  string             `json:"correlationId"`
	AppID          string             `json:"appId" validate:"required"`
	Version        string             `json:"version" validate:"required"`
	TargetRing     string             `json:"targetRing" validate:"required"`
	TargetScope    scopeDTO           `json:"targetScope"`
	PublisherScope scopeDTO           `json:"publisherScope"`
	AppScope       scopeDTO           `json:"appScope"`
	Connector      string             `json:"connector" validate:"required"`
	RiskFactors    map[string]float64 `json:"riskFactors"`
	RollbackPlan   model.RollbackPlan `json:"rollbackPlan"`
	Evidence       model.EvidencePack `json:"evidence"`
	CABApprovalID  string             `json:"cabApprovalId"`
}

// handleDeploy accepts a deployment intent. A missing correlation ID gets one
// minted here so the caller can retry the response's ID safely.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := correlation.ID(req.CorrelationID)
	if req.CorrelationID == "" {
		id = correlation.New(correlation.KindDeployment)
	} else if err := id.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := "anonymous"
	if claims, ok := auth.FromContext(r.Context()); ok {
		actor = claims.Subject
	}

	result, err := s.service.Deploy(r.Context(), service.DeployRequest{
		CorrelationID:  id,
		AppID:          req.AppID,
		Version:        req.Version,
		TargetRing:     model.Ring(req.TargetRing),
		TargetScope:    req.TargetScope.toModel(),
		PublisherScope: req.PublisherScope.toModel(),
		AppScope:       req.AppScope.toModel(),
		Connector:      req.Connector,
		RiskFactors:    req.RiskFactors,
		RollbackPlan:   req.RollbackPlan,
		Evidence:       req.Evidence,
		CABApprovalID:  req.CABApprovalID,
		Actor:          actor,
	})
	if err != nil {
		if result.Status != "" {
			respondClassified(w, err, result)
		} else {
			respondClassified(w, err, nil)
		}
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

type promotionRequest struct {
	CorrelationID string             `json:"correlationId" validate:"required"`
	Ring          string             `json:"ring" validate:"required"`
	Telemetry     model.Telemetry    `json:"telemetry"`
	RiskFactors   map[string]float64 `json:"riskFactors"`
	RiskScore     *float64           `json:"riskScore"`
	RollbackPlan  model.RollbackPlan `json:"rollbackPlan"`
	CABApprovalID string             `json:"cabApprovalId"`
}

func (s *Server) handleEvaluatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.service.EvaluatePromotion(r.Context(), service.PromotionRequest{
		CorrelationID: correlation.ID(req.CorrelationID),
		Ring:          model.Ring(req.Ring),
		Telemetry:     req.Telemetry,
		RiskFactors:   req.RiskFactors,
		RiskScore:     req.RiskScore,
		RollbackPlan:  req.RollbackPlan,
		CABApprovalID: req.CABApprovalID,
	})
	if err != nil {
		respondClassified(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type rollbackRequest struct {
	CorrelationID           string   `json:"correlationId"`
	DeploymentCorrelationID string   `json:"deploymentCorrelationId" validate:"required"`
	Strategy                string   `json:"strategy" validate:"required,oneof=version_pin targeted_uninstall remediation_script"`
	TargetDevices           []string `json:"targetDevices" validate:"required,min=1"`
}

// handleRollback triggers recovery for a deployment. A missing correlation ID
// gets one minted here; retrying with the response's ID replays the outcome.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := correlation.ID(req.CorrelationID)
	if req.CorrelationID == "" {
		id = correlation.New(correlation.KindRollback)
	} else if err := id.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.service.Rollback(r.Context(), service.RollbackRequest{
		CorrelationID:           id,
		DeploymentCorrelationID: correlation.ID(req.DeploymentCorrelationID),
		Strategy:                model.RollbackStrategy(req.Strategy),
		TargetDevices:           req.TargetDevices,
	})
	if err != nil {
		respondClassified(w, err, nil)
		return
	}
	status := http.StatusOK
	if outcome.Escalated {
		status = http.StatusAccepted
	}
	respondJSON(w, status, outcome)
}

type riskScoreRequest struct {
	Factors map[string]float64 `json:"factors" validate:"required"`
}

func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	var req riskScoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	score, version := s.service.RiskScore(req.Factors)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"score":        score,
		"modelVersion": version,
	})
}

func (s *Server) handleValidateEvidence(w http.ResponseWriter, r *http.Request) {
	var pack model.EvidencePack
	if err := decodeJSON(w, r, &pack); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.service.ValidateEvidence(pack))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := correlation.ID(chi.URLParam(r, "correlationId"))
	report, err := s.service.Status(r.Context(), id)
	if err != nil {
		respondClassified(w, err, nil)
		return
	}
	if len(report.Events) == 0 {
		respondError(w, http.StatusNotFound, "unknown correlation id")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.ConnectorHealth(r.Context()))
}

func (s *Server) handleCABApproval(w http.ResponseWriter, r *http.Request) {
	decision, err := s.service.CABApproval(r.Context(), chi.URLParam(r, "approvalId"))
	if err != nil {
		respondClassified(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleAuditByCorrelation(w http.ResponseWriter, r *http.Request) {
	id := correlation.ID(chi.URLParam(r, "correlationId"))
	if err := id.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.store.QueryByCorrelation(r.Context(), id)
	if err != nil {
		respondClassified(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// handleAuditExport streams events in [from, to) as JSON or CSV.
// Query params: from, to (RFC 3339, both required), format (json|csv).
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid 'from' timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid 'to' timestamp")
		return
	}
	events, err := s.service.AuditExportRange(r.Context(), from, to)
	if err != nil {
		respondClassified(w, err, nil)
		return
	}

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
		if err := audit.ExportCSV(w, events); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := audit.ExportJSON(w, events); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
	default:
		respondError(w, http.StatusBadRequest, "format must be json or csv")
	}
}

// respondClassified maps the dispatch error taxonomy to HTTP status codes.
// When a result is available it is returned alongside the error so callers
// see the full decision record.
func respondClassified(w http.ResponseWriter, err error, result interface{}) {
	status := http.StatusBadRequest
	var classified *dispatch.ClassifiedError
	switch {
	case errors.Is(err, audit.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrInFlight):
		status = http.StatusConflict
	case errors.As(err, &classified):
		switch classified.Class {
		case dispatch.ClassPolicyViolation:
			status = http.StatusForbidden
		case dispatch.ClassTransient:
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{"error": err.Error()}
	if result != nil {
		body["result"] = result
	}
	respondJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
