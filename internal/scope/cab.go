package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ringops/ringway/internal/model"
)

// ApprovalStore looks up CAB approval records. Approvals are created by the
// external change-approval workflow; this core only reads them.
type ApprovalStore interface {
	GetApproval(ctx context.Context, id string) (*model.CABApproval, error)
}

// CABDecision is the result of validating one approval ID.
type CABDecision struct {
	Approved   bool            `json:"approved"`
	Status     model.CABStatus `json:"status"`
	Expiry     time.Time       `json:"expiry,omitempty"`
	Conditions []string        `json:"conditions,omitempty"`
}

// ValidateCABApproval resolves an approval record and reports whether it
// currently authorizes a deployment. A missing record returns status
// "missing" and approved=false rather than an error.
func ValidateCABApproval(ctx context.Context, store ApprovalStore, approvalID string, now time.Time) (CABDecision, error) {
	approval, err := store.GetApproval(ctx, approvalID)
	if err != nil {
		if err == ErrApprovalNotFound {
			return CABDecision{Approved: false, Status: model.CABStatusMissing}, nil
		}
		return CABDecision{}, fmt.Errorf("lookup cab approval %s: %w", approvalID, err)
	}
	return CABDecision{
		Approved:   approval.Usable(now),
		Status:     approval.Status,
		Expiry:     approval.Expiry,
		Conditions: approval.Conditions,
	}, nil
}

// ErrApprovalNotFound is returned when no approval record exists for an ID.
var ErrApprovalNotFound = fmt.Errorf("cab approval not found")

// MemoryApprovals is an in-process ApprovalStore for dev and tests.
type MemoryApprovals struct {
	mu        sync.RWMutex
	approvals map[string]model.CABApproval
}

func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{approvals: map[string]model.CABApproval{}}
}

// Put stores or replaces an approval record (test/dev seeding).
func (m *MemoryApprovals) Put(a model.CABApproval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
}

func (m *MemoryApprovals) GetApproval(ctx context.Context, id string) (*model.CABApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	out := a
	return &out, nil
}

// PGApprovals reads approval records from the external workflow's Postgres
// table: cab_approvals(id text PK, status text, expiry timestamptz, conditions jsonb).
type PGApprovals struct {
	db *sql.DB
}

func NewPGApprovals(db *sql.DB) *PGApprovals {
	return &PGApprovals{db: db}
}

func (p *PGApprovals) GetApproval(ctx context.Context, id string) (*model.CABApproval, error) {
	q := `SELECT id, status, expiry, conditions FROM cab_approvals WHERE id=$1`
	row := p.db.QueryRowContext(ctx, q, id)

	var (
		idv, status    string
		expiry         time.Time
		conditionsJSON []byte
	)
	if err := row.Scan(&idv, &status, &expiry, &conditionsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrApprovalNotFound
		}
		return nil, fmt.Errorf("query cab_approval: %w", err)
	}

	var conditions []string
	if len(conditionsJSON) > 0 && string(conditionsJSON) != "null" {
		if err := json.Unmarshal(conditionsJSON, &conditions); err != nil {
			return nil, fmt.Errorf("decode approval conditions: %w", err)
		}
	}

	return &model.CABApproval{
		ID:         idv,
		Status:     model.CABStatus(status),
		Expiry:     expiry,
		Conditions: conditions,
	}, nil
}
