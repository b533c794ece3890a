package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// terminalStatusList is the SQL literal list of terminal statuses.
var terminalStatusList = func() string {
	quoted := make([]string, len(contracts.TerminalStatuses))
	for i, s := range contracts.TerminalStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}()

// SQLRequestStore persists authorization requests with append-only
// approval, evaluation and error logs.
type SQLRequestStore struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

func NewSQLRequestStore(db *sql.DB) *SQLRequestStore {
	return &SQLRequestStore{db: db, clock: time.Now, logger: slog.Default().With("component", "store")}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLRequestStore) WithClock(clock func() time.Time) *SQLRequestStore {
	s.clock = clock
	return s
}

const requestColumns = `id, client_id, status, request, authentication, metadata, idempotency_key, created_at, updated_at`

// Create inserts req with its initial logs.
func (s *SQLRequestStore) Create(ctx context.Context, req *contracts.AuthorizationRequest) (*contracts.AuthorizationRequest, error) {
	if req.Request == nil {
		return nil, errs.Validation("request is required", []errs.Issue{{Path: "/request", Message: "required"}})
	}
	requestJSON, err := json.Marshal(req.Request)
	if err != nil {
		return nil, fmt.Errorf("store: marshal request: %w", err)
	}
	if _, err := contracts.DecodeRequest(requestJSON); err != nil {
		return nil, err
	}
	var metadata sql.NullString
	if req.Metadata != nil {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO authorization_requests (id, client_id, status, action, request, authentication, metadata, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.ClientID, string(req.Status), string(req.Request.Action()), string(requestJSON),
		req.Authentication, metadata, req.IdempotencyKey, formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
	)
	if err != nil {
		if dup, detail := uniqueViolation(err); dup {
			if req.IdempotencyKey != nil && strings.Contains(detail, "idempotency_key") {
				return nil, ErrDuplicateIdempotencyKey
			}
			return nil, errs.Wrap(errs.KindConflict, "authorization request already exists", err, map[string]any{"id": req.ID})
		}
		return nil, fmt.Errorf("store: insert authorization request: %w", err)
	}

	logs := contracts.AuthorizationRequestUpdate{
		Approvals:   req.Approvals,
		Evaluations: req.Evaluations,
		Errors:      req.Errors,
	}
	if err := appendLogs(ctx, tx, req.ID, req.ClientID, logs, req.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, req.ID)
}

// FindByID loads a request and its logs. Missing ids yield errs.ErrNotFound.
func (s *SQLRequestStore) FindByID(ctx context.Context, id string) (*contracts.AuthorizationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM authorization_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("authorization request", id)
		}
		return nil, err
	}
	if err := s.loadLogs(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// FindByIdempotencyKey loads the request holding key.
func (s *SQLRequestStore) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.AuthorizationRequest, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM authorization_requests WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("authorization request", key)
		}
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// FindByStatus returns every request in one of statuses, oldest first.
// Rows whose payload no longer decodes are logged and skipped so one bad
// row cannot block the scan.
func (s *SQLRequestStore) FindByStatus(ctx context.Context, statuses ...contracts.AuthorizationRequestStatus) ([]*contracts.AuthorizationRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	query := `SELECT ` + requestColumns + ` FROM authorization_requests WHERE status IN (` +
		placeholders(1, len(statuses)) + `) ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []*contracts.AuthorizationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if errors.Is(err, errs.ErrValidation) {
			s.logger.ErrorContext(ctx, "skipping undecodable authorization request", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	for _, req := range out {
		if err := s.loadLogs(ctx, req); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update applies the restricted update contract in one transaction. A
// stored terminal status is never overwritten; log appends always apply.
func (s *SQLRequestStore) Update(ctx context.Context, id string, update contracts.AuthorizationRequestUpdate) (*contracts.AuthorizationRequest, error) {
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	var clientID string
	if err := tx.QueryRowContext(ctx, `SELECT client_id FROM authorization_requests WHERE id = $1`, id).Scan(&clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("authorization request", id)
		}
		return nil, err
	}

	if update.Status != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE authorization_requests SET status = $1, updated_at = $2
			WHERE id = $3 AND status NOT IN (`+terminalStatusList+`)`,
			string(update.Status), formatTime(now), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE authorization_requests SET updated_at = $1 WHERE id = $2`, formatTime(now), id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: update authorization request: %w", err)
	}

	if err := appendLogs(ctx, tx, id, clientID, update, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// TransitionStatus moves id from one status to another only if it is still
// in from. It reports whether this caller won the transition; a transition
// to the same status never wins.
func (s *SQLRequestStore) TransitionStatus(ctx context.Context, id string, from, to contracts.AuthorizationRequestStatus) (bool, error) {
	if from.IsTerminal() || from == to {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE authorization_requests SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), formatTime(s.clock()), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("store: transition status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}

// appendLogs inserts approvals, evaluations and errors. Each entry takes the
// next position of its log so reads return entries in call order. Callers
// hold the request row lock (the status UPDATE or the INSERT of the same
// transaction), which serializes position allocation per request.
func appendLogs(ctx context.Context, tx *sql.Tx, requestID, clientID string, u contracts.AuthorizationRequestUpdate, at time.Time) error {
	var last int64
	if len(u.Approvals) > 0 {
		var err error
		if last, err = lastPosition(ctx, tx, "authorization_request_approvals", requestID); err != nil {
			return err
		}
	}
	for i, sig := range u.Approvals {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO authorization_request_approvals (id, request_id, position, sig, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), requestID, last+int64(i)+1, sig, formatTime(at),
		)
		if err != nil {
			return fmt.Errorf("store: append approval: %w", err)
		}
	}

	if len(u.Evaluations) > 0 {
		var err error
		if last, err = lastPosition(ctx, tx, "evaluation_logs", requestID); err != nil {
			return err
		}
	}
	for i, ev := range u.Evaluations {
		var approvals, intent sql.NullString
		if ev.ApprovalRequirements != nil {
			b, err := json.Marshal(ev.ApprovalRequirements)
			if err != nil {
				return err
			}
			approvals = sql.NullString{String: string(b), Valid: true}
		}
		if ev.TransactionRequestIntent != nil {
			b, err := json.Marshal(ev.TransactionRequestIntent)
			if err != nil {
				return err
			}
			intent = sql.NullString{String: string(b), Valid: true}
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = at
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_logs (id, request_id, client_id, decision, signature, approval_requirements, transaction_request_intent, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, requestID, clientID, string(ev.Decision), ev.Signature, approvals, intent, last+int64(i)+1, formatTime(createdAt),
		)
		if err != nil {
			return fmt.Errorf("store: append evaluation: %w", err)
		}
	}

	if len(u.Errors) > 0 {
		var err error
		if last, err = lastPosition(ctx, tx, "authorization_request_errors", requestID); err != nil {
			return err
		}
	}
	for i, e := range u.Errors {
		var errCtx sql.NullString
		if e.Context != nil {
			b, err := json.Marshal(e.Context)
			if err != nil {
				return err
			}
			errCtx = sql.NullString{String: string(b), Valid: true}
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = at
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO authorization_request_errors (id, request_id, name, message, context, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, requestID, e.Name, e.Message, errCtx, last+int64(i)+1, formatTime(createdAt),
		)
		if err != nil {
			return fmt.Errorf("store: append error: %w", err)
		}
	}
	return nil
}

// lastPosition returns the highest position in table for requestID, zero
// for an empty log.
func lastPosition(ctx context.Context, tx *sql.Tx, table, requestID string) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM `+table+` WHERE request_id = $1`, requestID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("store: read %s position: %w", table, err)
	}
	return last, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.AuthorizationRequest, error) {
	var (
		req                  contracts.AuthorizationRequest
		status, requestJSON  string
		metadata, idemKey    sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&req.ID, &req.ClientID, &status, &requestJSON, &req.Authentication, &metadata, &idemKey, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	req.Status = contracts.AuthorizationRequestStatus(status)
	decoded, err := contracts.DecodeRequest([]byte(requestJSON))
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, e.With("requestId", req.ID)
		}
		return nil, err
	}
	req.Request = decoded

	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &req.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata in request %s: %w", req.ID, err)
		}
	}
	if idemKey.Valid {
		k := idemKey.String
		req.IdempotencyKey = &k
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	req.Approvals = []string{}
	req.Evaluations = []contracts.Evaluation{}
	req.Errors = []contracts.RequestError{}
	return &req, nil
}

func (s *SQLRequestStore) loadLogs(ctx context.Context, req *contracts.AuthorizationRequest) error {
	if err := s.loadApprovals(ctx, req); err != nil {
		return err
	}
	if err := s.loadEvaluations(ctx, req); err != nil {
		return err
	}
	return s.loadErrors(ctx, req)
}

func (s *SQLRequestStore) loadApprovals(ctx context.Context, req *contracts.AuthorizationRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sig FROM authorization_request_approvals
		WHERE request_id = $1 ORDER BY position ASC`, req.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return err
		}
		req.Approvals = append(req.Approvals, sig)
	}
	return rows.Err()
}

func (s *SQLRequestStore) loadEvaluations(ctx context.Context, req *contracts.AuthorizationRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision, signature, approval_requirements, transaction_request_intent, created_at
		FROM evaluation_logs WHERE request_id = $1 ORDER BY position ASC`, req.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			ev                  contracts.Evaluation
			decision, createdAt string
			signature           sql.NullString
			approvals, intent   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &decision, &signature, &approvals, &intent, &createdAt); err != nil {
			return err
		}
		ev.Decision = contracts.Decision(decision)
		if signature.Valid {
			sig := signature.String
			ev.Signature = &sig
		}
		if approvals.Valid {
			ev.ApprovalRequirements = &contracts.ApprovalRequirements{}
			if err := json.Unmarshal([]byte(approvals.String), ev.ApprovalRequirements); err != nil {
				return fmt.Errorf("corrupt approval requirements in evaluation %s: %w", ev.ID, err)
			}
		}
		if intent.Valid {
			ev.TransactionRequestIntent = &contracts.Intent{}
			if err := json.Unmarshal([]byte(intent.String), ev.TransactionRequestIntent); err != nil {
				return fmt.Errorf("corrupt intent in evaluation %s: %w", ev.ID, err)
			}
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		req.Evaluations = append(req.Evaluations, ev)
	}
	return rows.Err()
}

func (s *SQLRequestStore) loadErrors(ctx context.Context, req *contracts.AuthorizationRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, message, context, created_at
		FROM authorization_request_errors WHERE request_id = $1 ORDER BY position ASC`, req.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e         contracts.RequestError
			errCtx    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Message, &errCtx, &createdAt); err != nil {
			return err
		}
		if errCtx.Valid {
			if err := json.Unmarshal([]byte(errCtx.String), &e.Context); err != nil {
				return fmt.Errorf("corrupt context in error %s: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		req.Errors = append(req.Errors, e)
	}
	return rows.Err()
}
