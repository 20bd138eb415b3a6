package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/connector"
	"github.com/ringops/ringway/internal/correlation"
	"github.com/ringops/ringway/internal/model"
)

// Operation keys recorded with idempotency registrations. Together with the
// correlation ID they form the idempotency key, so a publish and a later
// rollback sharing one correlation ID never collapse into each other.
const (
	OpPublish = "publish"
	opRemove  = "remove"
)

// ErrInFlight is returned when a duplicate submission arrives while the first
// invocation is still running and no result has been recorded yet.
var ErrInFlight = fmt.Errorf("operation already in flight")

// Dispatcher is the single path every connector operation flows through:
// idempotency registration, bounded per-connector concurrency, retry with
// backoff, classification, and audit recording.
type Dispatcher struct {
	registry *connector.Registry
	store    audit.Store
	policy   RetryPolicy
	actor    string

	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// New builds a dispatcher. perConnectorLimit bounds concurrent in-flight
// calls per connector (backend rate limits); <=0 means 4.
func New(registry *connector.Registry, store audit.Store, policy RetryPolicy, perConnectorLimit int, actor string) *Dispatcher {
	if perConnectorLimit <= 0 {
		perConnectorLimit = 4
	}
	if actor == "" {
		actor = "service:ringway"
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		policy:   policy.withDefaults(),
		actor:    actor,
		sems:     map[string]chan struct{}{},
		limit:    perConnectorLimit,
	}
}

func (d *Dispatcher) sem(name string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[name]
	if !ok {
		s = make(chan struct{}, d.limit)
		d.sems[name] = s
	}
	return s
}

// removeOpKey scopes the idempotency key to one resource so fan-out removes
// for different devices under one correlation ID stay distinct operations.
func removeOpKey(resourceID string) string {
	return opRemove + ":" + resourceID
}

// Publish executes the intent against its connector exactly once per
// correlation ID. Re-invocations replay the recorded result; a backend
// duplicate rejection is converted to success.
func (d *Dispatcher) Publish(ctx context.Context, intent model.DeploymentIntent) (connector.OperationResult, error) {
	id := intent.CorrelationID
	if err := id.Validate(); err != nil {
		return connector.OperationResult{}, NewPermanent(err)
	}
	conn, err := d.registry.Lookup(intent.Connector)
	if err != nil {
		return connector.OperationResult{}, NewPermanent(err)
	}

	isNew, err := d.store.Register(ctx, id, OpPublish)
	if err != nil {
		return connector.OperationResult{}, fmt.Errorf("register idempotency key: %w", err)
	}
	if !isNew {
		return d.replay(ctx, id, OpPublish)
	}

	result := d.execute(ctx, conn, id, OpPublish, audit.EventDeployCompleted, audit.EventDeployFailed,
		func(ctx context.Context) (connector.OperationResult, error) {
			return conn.Publish(ctx, intent, id)
		})
	if result.Status == connector.StatusError {
		return result, d.classifiedFromResult(result)
	}
	return result, nil
}

// Remove removes a backend resource exactly once per (correlation ID, resource).
func (d *Dispatcher) Remove(ctx context.Context, connectorName, resourceID string, id correlation.ID) (connector.OperationResult, error) {
	if err := id.Validate(); err != nil {
		return connector.OperationResult{}, NewPermanent(err)
	}
	conn, err := d.registry.Lookup(connectorName)
	if err != nil {
		return connector.OperationResult{}, NewPermanent(err)
	}

	opKey := removeOpKey(resourceID)
	isNew, err := d.store.Register(ctx, id, opKey)
	if err != nil {
		return connector.OperationResult{}, fmt.Errorf("register idempotency key: %w", err)
	}
	if !isNew {
		return d.replay(ctx, id, opKey)
	}

	result := d.execute(ctx, conn, id, opKey, audit.EventRemoveCompleted, audit.EventRemoveFailed,
		func(ctx context.Context) (connector.OperationResult, error) {
			return conn.Remove(ctx, resourceID, id)
		})
	if result.Status == connector.StatusError {
		return result, d.classifiedFromResult(result)
	}
	return result, nil
}

// RemoveMany fans out removes for multiple resources concurrently, bounded by
// the per-connector limit, and joins the results before returning.
func (d *Dispatcher) RemoveMany(ctx context.Context, connectorName string, resourceIDs []string, id correlation.ID) ([]connector.OperationResult, error) {
	results := make([]connector.OperationResult, len(resourceIDs))
	errs := make([]error, len(resourceIDs))

	var wg sync.WaitGroup
	for i, rid := range resourceIDs {
		wg.Add(1)
		go func(i int, rid string) {
			defer wg.Done()
			results[i], errs[i] = d.Remove(ctx, connectorName, rid, id)
		}(i, rid)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}
	return results, firstErr
}

// GetStatus queries one connector, or aggregates across all registered
// connectors when connectorName is empty.
func (d *Dispatcher) GetStatus(ctx context.Context, connectorName string, id correlation.ID) ([]connector.StatusReport, error) {
	if err := id.Validate(); err != nil {
		return nil, NewPermanent(err)
	}

	names := []string{connectorName}
	if connectorName == "" {
		names = d.registry.Names()
	}

	var out []connector.StatusReport
	for _, name := range names {
		conn, err := d.registry.Lookup(name)
		if err != nil {
			return nil, NewPermanent(err)
		}
		var report connector.StatusReport
		err = d.policy.Do(ctx, func(ctx context.Context) error {
			var inner error
			report, inner = conn.GetStatus(ctx, id)
			return inner
		})
		if err != nil {
			return nil, fmt.Errorf("status from %s: %w", name, err)
		}
		out = append(out, report)
	}
	return out, nil
}

// HealthAll reports the health of every registered connector.
func (d *Dispatcher) HealthAll(ctx context.Context) map[string]connector.Health {
	return d.registry.HealthAll(ctx)
}

// execute runs one mutating call through the semaphore and the retry
// executor, converts duplicate rejections to success, and records the outcome
// to the audit store.
func (d *Dispatcher) execute(ctx context.Context, conn connector.Connector, id correlation.ID, opKey, okEvent, failEvent string,
	call func(ctx context.Context) (connector.OperationResult, error)) connector.OperationResult {

	sem := d.sem(conn.Name())
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		result := connector.OperationResult{
			Status:              connector.StatusError,
			CorrelationID:       id,
			ErrorClassification: string(ClassTransient),
			Message:             ctx.Err().Error(),
		}
		d.record(ctx, conn.Name(), id, opKey, failEvent, result)
		return result
	}
	defer func() { <-sem }()

	var result connector.OperationResult
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		var inner error
		result, inner = call(ctx)
		if inner != nil && IsDuplicate(inner) {
			// The backend already applied this operation; that is success
			// from the caller's perspective.
			result = connector.OperationResult{
				Status:        successStatus(opKey),
				CorrelationID: id,
				Message:       "backend reported duplicate; prior side effect stands",
			}
			return nil
		}
		return inner
	})

	if err != nil {
		class := Classify(err)
		result = connector.OperationResult{
			Status:              connector.StatusError,
			CorrelationID:       id,
			ErrorClassification: string(class),
			Message:             err.Error(),
		}
		if class == ClassPolicyViolation {
			d.notifyGovernance(ctx, conn.Name(), id, opKey, err)
		}
		d.record(ctx, conn.Name(), id, opKey, failEvent, result)
		return result
	}

	d.record(ctx, conn.Name(), id, opKey, okEvent, result)
	return result
}

func successStatus(opKey string) connector.OperationStatus {
	if opKey == OpPublish {
		return connector.StatusPublished
	}
	return connector.StatusRemoved
}

func (d *Dispatcher) classifiedFromResult(result connector.OperationResult) error {
	return &ClassifiedError{
		Class: Class(result.ErrorClassification),
		Err:   fmt.Errorf("%s", result.Message),
	}
}

// record appends the operation outcome; audit append failures are logged, not
// fatal, so a flaky audit sink cannot mask an already-executed side effect.
func (d *Dispatcher) record(ctx context.Context, connectorName string, id correlation.ID, opKey, eventType string, result connector.OperationResult) {
	ev := &audit.Event{
		CorrelationID: id,
		EventType:     eventType,
		Actor:         d.actor,
		Payload: map[string]interface{}{
			"operation": opKey,
			"connector": connectorName,
			"result":    result,
		},
	}
	if err := d.store.Append(ctx, ev); err != nil {
		log.Printf("[dispatch] append audit event for %s/%s: %v", id, opKey, err)
	}
}

// notifyGovernance routes a policy violation to the governance path: the
// audit event lands on the governance topic via the streamer.
func (d *Dispatcher) notifyGovernance(ctx context.Context, connectorName string, id correlation.ID, opKey string, cause error) {
	ev := &audit.Event{
		CorrelationID: id,
		EventType:     audit.EventGovernanceNotified,
		Actor:         d.actor,
		Payload: map[string]interface{}{
			"operation": opKey,
			"connector": connectorName,
			"violation": cause.Error(),
		},
	}
	if err := d.store.Append(ctx, ev); err != nil {
		log.Printf("[dispatch] append governance event for %s/%s: %v", id, opKey, err)
	}
}

// replay returns the recorded result of a previously-registered operation.
func (d *Dispatcher) replay(ctx context.Context, id correlation.ID, opKey string) (connector.OperationResult, error) {
	events, err := d.store.QueryByCorrelation(ctx, id)
	if err != nil {
		return connector.OperationResult{}, fmt.Errorf("replay lookup: %w", err)
	}

	// Walk newest-first; the latest recorded outcome for this operation wins.
	for i := len(events) - 1; i >= 0; i-- {
		result, ok := decodeRecordedResult(events[i], opKey)
		if !ok {
			continue
		}
		if result.Status == connector.StatusError {
			return result, d.classifiedFromResult(result)
		}
		return result, nil
	}

	// Registered but no recorded outcome yet: the first invocation is still
	// running. Transient by definition; the caller may retry shortly.
	return connector.OperationResult{}, &ClassifiedError{Class: ClassTransient, Err: ErrInFlight}
}

// decodeRecordedResult extracts the OperationResult from an audit payload of
// the shape {"operation": opKey, "result": {...}}.
func decodeRecordedResult(ev *audit.Event, opKey string) (connector.OperationResult, bool) {
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return connector.OperationResult{}, false
	}
	var payload struct {
		Operation string                    `json:"operation"`
		Result    connector.OperationResult `json:"result"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return connector.OperationResult{}, false
	}
	if payload.Operation != opKey || payload.Result.Status == "" {
		return connector.OperationResult{}, false
	}
	return payload.Result, true
}
