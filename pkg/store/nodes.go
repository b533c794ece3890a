package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// SQLNodeStore persists policy engine nodes.
type SQLNodeStore struct {
	db *sql.DB
}

func NewSQLNodeStore(db *sql.DB) *SQLNodeStore {
	return &SQLNodeStore{db: db}
}

const nodeColumns = `id, owner_id, client_id, client_secret, public_key, url, created_at`

// FindByClientID returns the cluster of an orchestrator client, oldest node first.
func (s *SQLNodeStore) FindByClientID(ctx context.Context, clientID string) ([]contracts.PolicyEngineNode, error) {
	return s.query(ctx, `SELECT `+nodeColumns+` FROM policy_engine_nodes WHERE owner_id = $1 ORDER BY created_at ASC, id ASC`, clientID)
}

func (s *SQLNodeStore) FindByURL(ctx context.Context, url string) ([]contracts.PolicyEngineNode, error) {
	return s.query(ctx, `SELECT `+nodeColumns+` FROM policy_engine_nodes WHERE url = $1 ORDER BY created_at ASC, id ASC`, url)
}

// BulkCreate inserts all nodes or none.
func (s *SQLNodeStore) BulkCreate(ctx context.Context, nodes []contracts.PolicyEngineNode) ([]contracts.PolicyEngineNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	for _, n := range nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO policy_engine_nodes (`+nodeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			n.ID, n.OwnerID, n.ClientID, n.ClientSecret, n.PublicKey, n.URL, formatTime(n.CreatedAt),
		)
		if err != nil {
			if dup, _ := uniqueViolation(err); dup {
				return nil, errs.Wrap(errs.KindConflict, "policy engine node already exists", err, map[string]any{"id": n.ID})
			}
			return nil, fmt.Errorf("store: insert node: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *SQLNodeStore) query(ctx context.Context, query string, args ...any) ([]contracts.PolicyEngineNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []contracts.PolicyEngineNode
	for rows.Next() {
		var (
			n         contracts.PolicyEngineNode
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.ClientID, &n.ClientSecret, &n.PublicKey, &n.URL, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
