package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/shopspring/decimal"
)

// LedgerStore implements store.LedgerStore using PostgreSQL.
type LedgerStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LedgerStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append inserts a ledger entry. The (job_id, kind) unique index rejects a second
// settlement entry for the same job.
func (s *LedgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, user_id, amount, description, job_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var jobID sql.NullString
	if entry.JobID != "" {
		jobID = sql.NullString{String: entry.JobID, Valid: true}
	}

	_, err := s.conn().ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Amount,
		entry.Description,
		jobID,
		entry.Kind,
		entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

// ListByUser returns a user's entries, newest first.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, amount, description, COALESCE(job_id, ''), kind, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, userID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListByJob returns entries referencing a job, oldest first.
func (s *LedgerStore) ListByJob(ctx context.Context, jobID string) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, amount, description, COALESCE(job_id, ''), kind, created_at
		FROM ledger_entries
		WHERE job_id = $1
		ORDER BY created_at, id`

	rows, err := s.conn().QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job ledger entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	for rows.Next() {
		e := &models.LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Description, &e.JobID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger rows: %w", err)
	}
	return entries, nil
}

// WalletStore implements store.WalletStore using PostgreSQL.
type WalletStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *WalletStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get retrieves a user's wallet.
func (s *WalletStore) Get(ctx context.Context, userID string) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := s.conn().QueryRowContext(ctx,
		`SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying wallet: %w", err)
	}
	return w, nil
}

// Credit adds amount to a user's balance in a single upsert.
func (s *WalletStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	query := `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = wallets.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.conn().ExecContext(ctx, query, userID, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("crediting wallet: %w", err)
	}
	return nil
}

// Debit subtracts amount only if the balance covers it.
func (s *WalletStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	query := `
		UPDATE wallets
		SET balance = balance - $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2`

	result, err := s.conn().ExecContext(ctx, query, userID, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("debiting wallet: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrInsufficientFunds
	}
	return nil
}
