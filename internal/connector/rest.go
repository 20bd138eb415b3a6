package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/model"
)

// RESTConfig configures a generic HTTP execution-plane backend.
type RESTConfig struct {
	Name        string
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// RESTConnector talks to an execution-plane backend over a small JSON API:
//
//	POST   /v1/apps                      publish
//	DELETE /v1/apps/{resourceId}         remove
//	GET    /v1/status/{correlationId}    status
//	GET    /v1/health                    health
//
// Vendor-specific wire protocols live behind this boundary, outside this core.
type RESTConnector struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
}

func NewRESTConnector(cfg RESTConfig) (*RESTConnector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connector name required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector %s: base url required", cfg.Name)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTConnector{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *RESTConnector) Name() string { return c.name }

func (c *RESTConnector) Capabilities() []Capability {
	return []Capability{CapabilityPublish, CapabilityRemove, CapabilityStatus, CapabilityHealth}
}

func (c *RESTConnector) Publish(ctx context.Context, intent model.DeploymentIntent, id correlation.ID) (OperationResult, error) {
	payload := map[string]interface{}{
		"appId":         intent.AppID,
		"version":       intent.Version,
		"ring":          intent.TargetRing,
		"scope":         intent.TargetScope,
		"correlationId": id.String(),
	}
	if len(intent.TargetDevices) > 0 {
		payload["devices"] = intent.TargetDevices
	}
	var resp struct {
		BackendIDs []string `json:"backendIds"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/apps", id, payload, &resp); err != nil {
		return OperationResult{Status: StatusError, CorrelationID: id}, err
	}
	return OperationResult{
		Status:        StatusPublished,
		CorrelationID: id,
		BackendIDs:    resp.BackendIDs,
	}, nil
}

func (c *RESTConnector) Remove(ctx context.Context, resourceID string, id correlation.ID) (OperationResult, error) {
	if resourceID == "" {
		return OperationResult{Status: StatusError, CorrelationID: id},
			&BackendError{StatusCode: http.StatusBadRequest, Message: "resource id required"}
	}
	var resp struct {
		BackendIDs []string `json:"backendIds"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/apps/"+resourceID, id, nil, &resp); err != nil {
		return OperationResult{Status: StatusError, CorrelationID: id}, err
	}
	return OperationResult{
		Status:        StatusRemoved,
		CorrelationID: id,
		BackendIDs:    resp.BackendIDs,
	}, nil
}

func (c *RESTConnector) GetStatus(ctx context.Context, id correlation.ID) (StatusReport, error) {
	var resp struct {
		Devices []DeviceStatus `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/status/"+id.String(), id, nil, &resp); err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		Connector:     c.name,
		CorrelationID: id,
		Devices:       resp.Devices,
		Total:         len(resp.Devices),
	}
	for _, d := range resp.Devices {
		if d.Compliant {
			report.Compliant++
		}
	}
	return report, nil
}

func (c *RESTConnector) HealthCheck(ctx context.Context) (Health, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/health", "", nil, &resp); err != nil {
		return HealthDown, err
	}
	switch resp.Status {
	case "ok", "ready", "":
		return HealthReady, nil
	case "degraded":
		return HealthDegraded, nil
	default:
		return HealthDown, nil
	}
}

// do issues one HTTP call with a per-call timeout and maps non-2xx responses
// to BackendError with the policy/duplicate signals the classifier needs.
func (c *RESTConnector) do(ctx context.Context, method, path string, id correlation.ID, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("connector %s: marshal request: %w", c.name, err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("connector %s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id != "" {
		req.Header.Set("X-Correlation-Id", id.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connector %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("connector %s: decode response: %w", c.name, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &BackendError{
		StatusCode:   resp.StatusCode,
		Message:      strings.TrimSpace(string(raw)),
		PolicySignal: resp.StatusCode == http.StatusForbidden && hasPolicySignal(resp, raw),
		Duplicate:    resp.StatusCode == http.StatusConflict,
	}
}

// hasPolicySignal detects an approval/compliance rejection on a 403: either
// the backend sets an explicit header or the body mentions a policy decision.
func hasPolicySignal(resp *http.Response, body []byte) bool {
	if resp.Header.Get("X-Policy-Violation") != "" {
		return true
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "policy") || strings.Contains(lower, "compliance") || strings.Contains(lower, "approval")
}
