package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

func TestSQLRequestStore_TransitionStatusStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	s := NewSQLRequestStore(db).WithClock(func() time.Time { return now })

	mock.ExpectExec("UPDATE authorization_requests SET status").
		WithArgs("PROCESSING", "2026-01-30T10:00:00.000000000Z", "r1", "CREATED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE authorization_requests SET status").
		WithArgs("PROCESSING", sqlmock.AnyArg(), "r1", "APPROVING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TransitionStatus(context.Background(), "r1", "CREATED", "PROCESSING")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionStatus(context.Background(), "r1", "APPROVING", "PROCESSING")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRequestStore_UpdateGuardsTerminalStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLRequestStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT client_id FROM authorization_requests").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow("client-1"))
	mock.ExpectExec(`status NOT IN \('PERMITTED', 'FORBIDDEN', 'FAILED', 'CANCELED'\)`).
		WithArgs("FAILED", sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM authorization_requests WHERE id").
		WithArgs("r1").
		WillReturnError(context.Canceled)

	_, err = s.Update(context.Background(), "r1", contractsUpdate("FAILED"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRequestStore_AppendTakesNextPosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLRequestStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT client_id FROM authorization_requests").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow("client-1"))
	mock.ExpectExec("UPDATE authorization_requests SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position\), 0\) FROM authorization_request_approvals`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO authorization_request_approvals").
		WithArgs(sqlmock.AnyArg(), "r1", int64(5), "sig-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authorization_request_approvals").
		WithArgs(sqlmock.AnyArg(), "r1", int64(6), "sig-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM authorization_requests WHERE id").
		WithArgs("r1").
		WillReturnError(context.Canceled)

	_, err = s.Update(context.Background(), "r1", contracts.AuthorizationRequestUpdate{Approvals: []string{"sig-a", "sig-b"}})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRequestStore_PostgresDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	key := "idem-1"
	req := newRequest("r2", baseTime)
	req.IdempotencyKey = &key

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO authorization_requests").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "authorization_requests_idempotency_key_key"})
	mock.ExpectRollback()

	_, err = NewSQLRequestStore(db).Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func contractsUpdate(status string) contracts.AuthorizationRequestUpdate {
	return contracts.AuthorizationRequestUpdate{Status: contracts.AuthorizationRequestStatus(status)}
}
