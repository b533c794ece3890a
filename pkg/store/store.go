// Package store persists authorization requests, policy engine nodes and
// tracked transfers.
//
// The SQL implementations share one set of statements across Postgres
// (lib/pq) and SQLite (modernc.org/sqlite): positional $N placeholders and
// timestamps stored as fixed-width UTC text so that ordering by the column
// is chronological on both engines. Memory implementations with the same
// contract back tests and single-process runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// ErrDuplicateIdempotencyKey is returned by Create when another request
// already holds the idempotency key.
var ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// timeLayout is fixed-width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS authorization_requests (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		action TEXT NOT NULL,
		request TEXT NOT NULL,
		authentication TEXT NOT NULL,
		metadata TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_authorization_requests_status ON authorization_requests (status)`,
	`CREATE TABLE IF NOT EXISTS authorization_request_approvals (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		position BIGINT NOT NULL,
		sig TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (request_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_request ON authorization_request_approvals (request_id, position)`,
	`CREATE TABLE IF NOT EXISTS evaluation_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		signature TEXT,
		approval_requirements TEXT,
		transaction_request_intent TEXT,
		position BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (request_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluation_logs_request ON evaluation_logs (request_id, position)`,
	`CREATE TABLE IF NOT EXISTS authorization_request_errors (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		name TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT,
		position BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (request_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_errors_request ON authorization_request_errors (request_id, position)`,
	`CREATE TABLE IF NOT EXISTS policy_engine_nodes (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_secret TEXT NOT NULL,
		public_key TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_engine_nodes_owner ON policy_engine_nodes (owner_id)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		rates TEXT NOT NULL,
		initiated_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_client ON transfers (client_id, created_at)`,
}

// Init creates the tables if they do not exist.
func Init(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Open connects to driver (postgres or sqlite) and runs Init.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	if err := Init(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// uniqueViolation reports whether err is a unique constraint failure and
// returns the driver's description of it.
func uniqueViolation(err error) (bool, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true, pqErr.Constraint + " " + pqErr.Detail
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(liteErr.Error(), "UNIQUE") {
		return true, liteErr.Error()
	}
	return false, ""
}

func notFound(entity, id string) error {
	return errs.New(errs.KindNotFound, entity+" not found", map[string]any{"id": id})
}

// placeholders returns "$start, $start+1, ..." for n values.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
