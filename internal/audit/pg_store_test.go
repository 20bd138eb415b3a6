package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringops/ringway/internal/correlation"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGRegisterNewKey(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs(id.String(), "publish", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	isNew, err := store.Register(context.Background(), id, "publish")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRegisterConflictIsNotNew(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs(id.String(), "publish", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	isNew, err := store.Register(context.Background(), id, "publish")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendChainsAgainstHead(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)
	ev := &Event{
		CorrelationID: id,
		EventType:     EventDeployCompleted,
		Actor:         "service:test",
		Payload:       map[string]interface{}{"n": 1.0},
	}

	prevHash := HashHex([]byte("previous"))
	mock.ExpectQuery("SELECT hash FROM audit_events ORDER BY ts DESC").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow(prevHash))

	wantHash, err := chainHash(ev.Payload, prevHash)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), id.String(), EventDeployCompleted, "service:test",
			sqlmock.AnyArg(), prevHash, wantHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), ev))
	assert.Equal(t, prevHash, ev.PrevHash)
	assert.Equal(t, wantHash, ev.Hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendEmptyLogStartsChain(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)
	ev := &Event{CorrelationID: id, EventType: EventDeployRequested, Payload: map[string]interface{}{}}

	mock.ExpectQuery("SELECT hash FROM audit_events ORDER BY ts DESC").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Append(context.Background(), ev))
	assert.Empty(t, ev.PrevHash)
	assert.NotEmpty(t, ev.Hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGQueryByCorrelation(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "correlation_id", "event_type", "actor", "payload", "prev_hash", "hash", "ts"}).
		AddRow(NewUUID(), id.String(), EventDeployRequested, "user:a", []byte(`{"k":"v"}`), "", "h1", now).
		AddRow(NewUUID(), id.String(), EventDeployCompleted, "user:a", []byte(`{"k":"w"}`), "h1", "h2", now.Add(time.Second))

	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE correlation_id=").
		WithArgs(id.String()).
		WillReturnRows(rows)

	events, err := store.QueryByCorrelation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventDeployRequested, events[0].EventType)
	assert.Equal(t, "h1", events[1].PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFetchPendingClaimsRows(t *testing.T) {
	store, mock := newMockStore(t)
	id := correlation.New(correlation.KindDeployment)
	evID := NewUUID()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_id", "event_type", "actor", "payload", "prev_hash", "hash", "ts"}).
			AddRow(evID, id.String(), EventDeployCompleted, "svc", []byte(`{}`), "", "h", time.Now().UTC()))
	mock.ExpectExec("UPDATE audit_events SET stream_status='in_progress'").
		WithArgs(evID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := store.FetchPendingForStreaming(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evID, events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkStreamResult(t *testing.T) {
	store, mock := newMockStore(t)
	evID := NewUUID()

	mock.ExpectExec("UPDATE audit_events SET stream_status=").
		WithArgs("streamed", sqlmock.AnyArg(), sqlmock.AnyArg(), evID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkStreamResult(context.Background(), evID,
		sql.NullString{String: "audit/2026/08/29/x.json", Valid: true}, true, sql.NullString{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
