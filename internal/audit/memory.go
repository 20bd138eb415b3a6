package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ringops/ringway/internal/correlation"
)

// MemoryStore is an in-process Store for dev and tests. Register behaves as an
// atomic check-and-set under the store mutex, matching the Postgres semantics.
type MemoryStore struct {
	mu         sync.RWMutex
	registered map[string]time.Time
	events     []*Event
	byCorr     map[correlation.ID][]*Event
	headHash   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registered: map[string]time.Time{},
		byCorr:     map[correlation.ID][]*Event{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func registrationKey(id correlation.ID, operationKey string) string {
	return string(id) + "|" + operationKey
}

func (m *MemoryStore) Register(ctx context.Context, id correlation.ID, operationKey string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	if operationKey == "" {
		return false, fmt.Errorf("operation key required")
	}
	key := registrationKey(id, operationKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[key]; ok {
		return false, nil
	}
	m.registered[key] = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) Append(ctx context.Context, ev *Event) error {
	if err := ev.CorrelationID.Validate(); err != nil {
		return err
	}
	if ev.EventType == "" {
		return fmt.Errorf("event type required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash, err := chainHash(ev.Payload, m.headHash)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	ev.PrevHash = m.headHash
	ev.Hash = hash
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	m.headHash = hash

	m.events = append(m.events, ev)
	m.byCorr[ev.CorrelationID] = append(m.byCorr[ev.CorrelationID], ev)
	return nil
}

func (m *MemoryStore) QueryByCorrelation(ctx context.Context, id correlation.ID) ([]*Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.byCorr[id]
	out := make([]*Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *MemoryStore) QueryRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events {
		if !ev.Ts.Before(from) && ev.Ts.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}
