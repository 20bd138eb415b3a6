package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringops/ringway/internal/correlation"
)

// PGStore persists idempotency registrations and audit events into Postgres.
//
// Schema (see migrations in the deployment repo):
//
//	idempotency_keys(correlation_id text, operation_key text, registered_at timestamptz,
//	                 PRIMARY KEY (correlation_id, operation_key))
//	audit_events(id uuid PK, correlation_id text, event_type text, actor text,
//	             payload jsonb, prev_hash text, hash text, ts timestamptz,
//	             stream_status text DEFAULT 'pending', stream_attempts int DEFAULT 0,
//	             archived_key text, stream_error text)
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Register inserts the (correlationID, operationKey) pair. The primary key
// makes the insert a check-and-set: the first writer wins and sees isNew=true,
// concurrent duplicates conflict and see isNew=false.
func (p *PGStore) Register(ctx context.Context, id correlation.ID, operationKey string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	if operationKey == "" {
		return false, fmt.Errorf("operation key required")
	}

	q := `
		INSERT INTO idempotency_keys (correlation_id, operation_key, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (correlation_id, operation_key) DO NOTHING
	`
	res, err := p.db.ExecContext(ctx, q, id.String(), operationKey, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("register idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("register rows affected: %w", err)
	}
	return n == 1, nil
}

// lastHash returns the latest chain hash from audit_events or empty string.
func (p *PGStore) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM audit_events ORDER BY ts DESC, id DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// Append canonicalizes the payload, computes the chain hash against the
// current head, and inserts the event row.
func (p *PGStore) Append(ctx context.Context, ev *Event) error {
	if err := ev.CorrelationID.Validate(); err != nil {
		return err
	}
	if ev.EventType == "" {
		return fmt.Errorf("event type required")
	}

	prev, err := p.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	hash, err := chainHash(ev.Payload, prev)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	ev.PrevHash = prev
	ev.Hash = hash
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	q := `
		INSERT INTO audit_events
		  (id, correlation_id, event_type, actor, payload, prev_hash, hash, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err = p.db.ExecContext(ctx, q,
		ev.ID,
		ev.CorrelationID.String(),
		ev.EventType,
		ev.Actor,
		payloadJSON,
		ev.PrevHash,
		ev.Hash,
		ev.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	return nil
}

const eventColumns = `id, correlation_id, event_type, actor, payload, prev_hash, hash, ts`

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		id, corrID, eventType, actor, prevHash, hash string
		payloadBytes                                 []byte
		ts                                           time.Time
	)
	if err := rows.Scan(&id, &corrID, &eventType, &actor, &payloadBytes, &prevHash, &hash, &ts); err != nil {
		return nil, err
	}
	var payload interface{}
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			// Keep raw bytes as string rather than losing the record.
			payload = string(payloadBytes)
		}
	}
	return &Event{
		ID:            id,
		CorrelationID: correlation.ID(corrID),
		EventType:     eventType,
		Actor:         actor,
		Payload:       payload,
		PrevHash:      prevHash,
		Hash:          hash,
		Ts:            ts,
	}, nil
}

// QueryByCorrelation returns the ordered event history for one correlation ID.
func (p *PGStore) QueryByCorrelation(ctx context.Context, id correlation.ID) ([]*Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	q := `SELECT ` + eventColumns + ` FROM audit_events WHERE correlation_id=$1 ORDER BY ts ASC, id ASC`
	rows, err := p.db.QueryContext(ctx, q, id.String())
	if err != nil {
		return nil, fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit_event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// QueryRange returns events in [from, to) ordered by append time.
func (p *PGStore) QueryRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	q := `SELECT ` + eventColumns + ` FROM audit_events WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC, id ASC`
	rows, err := p.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("query audit_events range: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit_event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchPendingForStreaming claims up to limit pending events for the
// governance streamer using FOR UPDATE SKIP LOCKED so concurrent streamers
// never claim the same row.
func (p *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE stream_status = 'pending'
		ORDER BY ts ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var claimed []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, ev := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE audit_events SET stream_status='in_progress', stream_attempts=stream_attempts+1 WHERE id=$1`,
			ev.ID); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// MarkStreamResult records the outcome of one streamed event so the DB stays
// the source of truth for retries.
func (p *PGStore) MarkStreamResult(ctx context.Context, id string, archivedKey sql.NullString, ok bool, streamErr sql.NullString) error {
	status := "failed"
	if ok {
		status = "streamed"
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE audit_events SET stream_status=$1, archived_key=$2, stream_error=$3 WHERE id=$4`,
		status, archivedKey, streamErr, id)
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}
