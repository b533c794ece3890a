package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

// SQLTransferStore records permitted transfers for the historical feed.
type SQLTransferStore struct {
	db *sql.DB
}

func NewSQLTransferStore(db *sql.DB) *SQLTransferStore {
	return &SQLTransferStore{db: db}
}

// Track inserts t. Re-tracking the same id is a no-op so a retried
// evaluation cannot double count a transfer.
func (s *SQLTransferStore) Track(ctx context.Context, t contracts.Transfer) error {
	rates, err := json.Marshal(t.Rates)
	if err != nil {
		return fmt.Errorf("store: marshal rates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, client_id, request_id, chain_id, from_address, to_address, token, amount, rates, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.ClientID, t.RequestID, t.ChainID, t.From, t.To, t.Token, t.Amount, string(rates), t.InitiatedBy, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: track transfer: %w", err)
	}
	return nil
}

// FindByClientID returns a client's transfers, oldest first.
func (s *SQLTransferStore) FindByClientID(ctx context.Context, clientID string) ([]contracts.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, request_id, chain_id, from_address, to_address, token, amount, rates, initiated_by, created_at
		FROM transfers WHERE client_id = $1 ORDER BY created_at ASC, id ASC`, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []contracts.Transfer
	for rows.Next() {
		var (
			t                contracts.Transfer
			rates, createdAt string
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.RequestID, &t.ChainID, &t.From, &t.To, &t.Token, &t.Amount, &rates, &t.InitiatedBy, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rates), &t.Rates); err != nil {
			return nil, fmt.Errorf("corrupt rates in transfer %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
