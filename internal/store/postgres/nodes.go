package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// NodeStore implements store.NodeStore using PostgreSQL.
type NodeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *NodeStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const nodeColumns = `id, owner_id, name, capabilities, metadata, active, last_heartbeat, registered_at`

// Upsert registers a new node or refreshes an existing one owned by the same user.
func (s *NodeStore) Upsert(ctx context.Context, node *models.Node) error {
	query := `
		INSERT INTO nodes (id, owner_id, name, capabilities, metadata, active, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			metadata = EXCLUDED.metadata,
			active = TRUE,
			last_heartbeat = EXCLUDED.last_heartbeat
		WHERE nodes.owner_id = EXCLUDED.owner_id
		RETURNING registered_at`

	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		node.ID,
		node.OwnerID,
		node.Name,
		pq.Array(node.Capabilities),
		nullableJSON(node.Metadata),
		node.LastHeartbeat,
	).Scan(&node.RegisteredAt)

	if err != nil {
		// The conflict branch's WHERE rejected the row: the id belongs to someone else.
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrOwnerMismatch
		}
		return fmt.Errorf("upserting node: %w", err)
	}

	node.Active = true
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`

	node, err := scanNode(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return node, nil
}

// List retrieves all registered nodes.
func (s *NodeStore) List(ctx context.Context) ([]*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// Touch updates a node's heartbeat timestamp.
func (s *NodeStore) Touch(ctx context.Context, id string, at time.Time) error {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return expectOne(result)
}

// SetActive updates a node's active flag.
func (s *NodeStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE nodes SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("updating active flag: %w", err)
	}
	return expectOne(result)
}

// ListLive retrieves active nodes with a recent heartbeat that serve capability.
func (s *NodeStore) ListLive(ctx context.Context, capability string, since time.Time) ([]*models.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE active = TRUE
			AND last_heartbeat >= $1
			AND ($2::text = '' OR $2::text = ANY(capabilities))
		ORDER BY id`

	rows, err := s.conn().QueryContext(ctx, query, since, capability)
	if err != nil {
		return nil, fmt.Errorf("querying live nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// DeactivateStale marks active nodes with an old heartbeat as inactive.
func (s *NodeStore) DeactivateStale(ctx context.Context, since time.Time) (int, error) {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE nodes SET active = FALSE WHERE active = TRUE AND last_heartbeat < $1`, since)
	if err != nil {
		return 0, fmt.Errorf("deactivating stale nodes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	node := &models.Node{}
	var metadata []byte
	err := row.Scan(
		&node.ID,
		&node.OwnerID,
		&node.Name,
		pq.Array(&node.Capabilities),
		&metadata,
		&node.Active,
		&node.LastHeartbeat,
		&node.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		node.Metadata = json.RawMessage(metadata)
	}
	return node, nil
}

// scanNodes scans multiple node rows.
func scanNodes(rows *sql.Rows) ([]*models.Node, error) {
	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return nodes, nil
}

// expectOne maps an update that touched no rows to ErrNotFound.
func expectOne(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON passes empty JSON as SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// sqlLimit passes a non-positive limit as NULL, which Postgres reads as LIMIT ALL.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
