package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/model"
)

// MemoryConnector simulates an execution-plane backend for dev mode and
// tests: a fixed device fleet, duplicate-publish detection, scriptable
// failures, and gradual convergence across status polls.
type MemoryConnector struct {
	name    string
	devices []string

	mu        sync.Mutex
	published map[correlation.ID]model.DeploymentIntent
	removed   map[correlation.ID]string
	// polls counts GetStatus calls per correlation ID; devices report
	// compliant once polls reach convergeAfter.
	polls         map[correlation.ID]int
	convergeAfter int

	// failPublish makes the next n Publish calls fail with failStatus.
	failPublish int
	failStatus  int

	health Health
}

// NewMemoryConnector builds a simulator over the given device IDs. Devices
// converge on the second status poll by default.
func NewMemoryConnector(name string, devices []string) *MemoryConnector {
	return &MemoryConnector{
		name:          name,
		devices:       devices,
		published:     map[correlation.ID]model.DeploymentIntent{},
		removed:       map[correlation.ID]string{},
		polls:         map[correlation.ID]int{},
		convergeAfter: 2,
		health:        HealthReady,
	}
}

func (m *MemoryConnector) Name() string { return m.name }

func (m *MemoryConnector) Capabilities() []Capability {
	return []Capability{CapabilityPublish, CapabilityRemove, CapabilityStatus, CapabilityHealth}
}

// FailNextPublishes scripts the next n Publish calls to fail with the given
// HTTP status.
func (m *MemoryConnector) FailNextPublishes(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPublish = n
	m.failStatus = status
}

// SetConvergeAfter controls how many status polls a rollout needs before all
// devices report compliant.
func (m *MemoryConnector) SetConvergeAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convergeAfter = n
}

// SetHealth overrides the reported health state.
func (m *MemoryConnector) SetHealth(h Health) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// PublishCount reports how many distinct publishes took effect; tests use it
// to assert exactly-once side effects.
func (m *MemoryConnector) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *MemoryConnector) Publish(ctx context.Context, intent model.DeploymentIntent, id correlation.ID) (OperationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPublish > 0 {
		m.failPublish--
		return OperationResult{Status: StatusError, CorrelationID: id},
			&BackendError{StatusCode: m.failStatus, Message: "scripted failure"}
	}

	if _, dup := m.published[id]; dup {
		return OperationResult{Status: StatusError, CorrelationID: id},
			&BackendError{StatusCode: http.StatusConflict, Message: "already published", Duplicate: true}
	}

	m.published[id] = intent
	backendIDs := make([]string, len(m.devices))
	for i, d := range m.devices {
		backendIDs[i] = fmt.Sprintf("%s/%s/%s", m.name, d, intent.AppID)
	}
	return OperationResult{
		Status:        StatusPublished,
		CorrelationID: id,
		BackendIDs:    backendIDs,
	}, nil
}

func (m *MemoryConnector) Remove(ctx context.Context, resourceID string, id correlation.ID) (OperationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, dup := m.removed[id]; dup && prev == resourceID {
		return OperationResult{Status: StatusError, CorrelationID: id},
			&BackendError{StatusCode: http.StatusConflict, Message: "already removed", Duplicate: true}
	}
	m.removed[id] = resourceID
	return OperationResult{
		Status:        StatusRemoved,
		CorrelationID: id,
		BackendIDs:    []string{resourceID},
	}, nil
}

func (m *MemoryConnector) GetStatus(ctx context.Context, id correlation.ID) (StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls[id]++
	converged := m.polls[id] >= m.convergeAfter

	report := StatusReport{
		Connector:     m.name,
		CorrelationID: id,
		Total:         len(m.devices),
	}
	for i, d := range m.devices {
		// Before convergence only the first device reports compliant, which
		// exercises the partial-failure paths in the rollback orchestrator.
		compliant := converged || i == 0
		report.Devices = append(report.Devices, DeviceStatus{DeviceID: d, Compliant: compliant})
		if compliant {
			report.Compliant++
		}
	}
	return report, nil
}

func (m *MemoryConnector) HealthCheck(ctx context.Context) (Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health, nil
}
