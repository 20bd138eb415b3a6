// Package connector defines the uniform contract for execution-plane backends
// (MDM servers, package managers) and a static registry populated at startup.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/model"
)

// Capability names a backend operation a connector supports.
type Capability string

const (
	CapabilityPublish Capability = "publish"
	CapabilityRemove  Capability = "remove"
	CapabilityStatus  Capability = "status"
	CapabilityHealth  Capability = "health"
)

// OperationStatus is the terminal state of one connector call.
type OperationStatus string

const (
	StatusPublished OperationStatus = "published"
	StatusRemoved   OperationStatus = "removed"
	StatusQueried   OperationStatus = "queried"
	StatusError     OperationStatus = "error"
)

// OperationResult is the common result shape every connector call returns.
type OperationResult struct {
	Status              OperationStatus `json:"status"`
	CorrelationID       correlation.ID  `json:"correlationId"`
	BackendIDs          []string        `json:"backendIds,omitempty"`
	ErrorClassification string          `json:"errorClassification,omitempty"`
	Message             string          `json:"message,omitempty"`
}

// DeviceStatus is the observed state of one device during status polling.
type DeviceStatus struct {
	DeviceID  string `json:"deviceId"`
	Compliant bool   `json:"compliant"`
	Detail    string `json:"detail,omitempty"`
}

// StatusReport aggregates device state for one correlation ID.
type StatusReport struct {
	Connector     string         `json:"connector"`
	CorrelationID correlation.ID `json:"correlationId"`
	Devices       []DeviceStatus `json:"devices"`
	Compliant     int            `json:"compliant"`
	Total         int            `json:"total"`
}

// Health is the coarse readiness of a backend.
type Health string

const (
	HealthReady    Health = "ready"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Connector abstracts one execution-plane backend. Implementations are
// stateless between calls apart from cached auth material; duplicate
// suppression always lives in the audit store, never here.
type Connector interface {
	Name() string
	Capabilities() []Capability
	Publish(ctx context.Context, intent model.DeploymentIntent, id correlation.ID) (OperationResult, error)
	Remove(ctx context.Context, resourceID string, id correlation.ID) (OperationResult, error)
	GetStatus(ctx context.Context, id correlation.ID) (StatusReport, error)
	HealthCheck(ctx context.Context) (Health, error)
}

// BackendError is a failure surfaced by a backend call, carrying enough
// signal for the dispatch classifier to decide retry behavior.
type BackendError struct {
	StatusCode int
	Message    string
	// PolicySignal marks a 403 that carries an approval/compliance rejection
	// rather than a plain credential failure.
	PolicySignal bool
	// Duplicate marks a 409 caused by an already-applied operation; callers
	// treat it as success, not error.
	Duplicate bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: status=%d message=%s", e.StatusCode, e.Message)
}

// ErrUnsupportedConnector is returned by the registry for unknown names.
var ErrUnsupportedConnector = errors.New("unsupported connector")

// Registry is a static map of connectors populated during startup. Lookups of
// unknown names fail fast with ErrUnsupportedConnector.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}}
}

// Add registers a connector; duplicate names are a wiring bug.
func (r *Registry) Add(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("connector name required")
	}
	if _, ok := r.connectors[name]; ok {
		return fmt.Errorf("connector %q already registered", name)
	}
	r.connectors[name] = c
	return nil
}

// Lookup returns the named connector or ErrUnsupportedConnector.
func (r *Registry) Lookup(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConnector, name)
	}
	return c, nil
}

// Names returns the registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthAll runs a health check against every registered connector.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	snapshot := make(map[string]Connector, len(r.connectors))
	for name, c := range r.connectors {
		snapshot[name] = c
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(snapshot))
	for name, c := range snapshot {
		h, err := c.HealthCheck(ctx)
		if err != nil {
			h = HealthDown
		}
		out[name] = h
	}
	return out
}
