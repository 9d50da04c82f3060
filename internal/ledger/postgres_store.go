package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists ledger entries in Postgres.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts the entry and fills in its assigned ID and timestamp.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO query_ledger (payer, query_class, amount_usd, scheme, settlement_ref, result_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.Payer, e.QueryClass, e.AmountUSD, e.Scheme, e.SettlementRef, e.ResultHash,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	return nil
}

// ListByPayer returns entries for a payer, newest first.
func (s *PostgresStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payer, query_class, amount_usd, scheme, settlement_ref, result_hash, created_at
		FROM query_ledger
		WHERE lower(payer) = lower($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		payer, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Payer, &e.QueryClass, &e.AmountUSD,
			&e.Scheme, &e.SettlementRef, &e.ResultHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}
