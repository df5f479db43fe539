package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
)

// AgentTokenStore implements store.AgentTokenStore using PostgreSQL.
type AgentTokenStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *AgentTokenStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create inserts a new agent token.
func (s *AgentTokenStore) Create(ctx context.Context, token *models.AgentToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO agent_tokens (id, user_id, label, token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.UserID, token.Label, token.TokenHash, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating agent token: %w", err)
	}
	return nil
}

// GetByHash retrieves a token by hash and stamps its last use.
func (s *AgentTokenStore) GetByHash(ctx context.Context, hash string) (*models.AgentToken, error) {
	query := `
		UPDATE agent_tokens SET last_used = $2
		WHERE token_hash = $1
		RETURNING id, user_id, label, token_hash, created_at, revoked_at, last_used`

	token, err := scanToken(s.conn().QueryRowContext(ctx, query, hash, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying agent token: %w", err)
	}
	return token, nil
}

// ListByUser returns a user's tokens, newest first.
func (s *AgentTokenStore) ListByUser(ctx context.Context, userID string) ([]*models.AgentToken, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, user_id, label, token_hash, created_at, revoked_at, last_used
		FROM agent_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agent tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.AgentToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent token rows: %w", err)
	}
	return tokens, nil
}

// Revoke marks a token revoked if userID owns it.
func (s *AgentTokenStore) Revoke(ctx context.Context, id, userID string, at time.Time) error {
	result, err := s.conn().ExecContext(ctx, `
		UPDATE agent_tokens SET revoked_at = $3
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, id, userID, at)
	if err != nil {
		return fmt.Errorf("revoking agent token: %w", err)
	}
	return expectOne(result)
}

func scanToken(row rowScanner) (*models.AgentToken, error) {
	t := &models.AgentToken{}
	var revokedAt, lastUsed sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Label, &t.TokenHash, &t.CreatedAt, &revokedAt, &lastUsed); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	return t, nil
}
