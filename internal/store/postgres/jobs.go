package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/shopspring/decimal"
)

// JobStore implements store.JobStore using PostgreSQL.
type JobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *JobStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const jobColumns = `id, owner_id, capability, payload, status, COALESCE(node_id, ''), result,
	error, cost, attempts, created_at, assigned_at, completed_at`

const joinedJobColumns = `j.id, j.owner_id, j.capability, j.payload, j.status, COALESCE(j.node_id, ''), j.result,
	j.error, j.cost, j.attempts, j.created_at, j.assigned_at, j.completed_at`

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, owner_id, capability, payload, status, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.conn().ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Capability,
		string(payload),
		job.Status,
		job.Cost,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListPending retrieves PENDING jobs, oldest first.
func (s *JobStore) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT $1`

	rows, err := s.conn().QueryContext(ctx, query, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Assign moves a PENDING job to RUNNING on nodeID. The node row is locked for the
// duration of the check so concurrent assignments to one node serialize on it.
func (s *JobStore) Assign(ctx context.Context, jobID, nodeID string, maxRunning int, at time.Time) error {
	return atomically(ctx, s.db, s.tx, func(q queryable) error {
		var locked string
		err := q.QueryRowContext(ctx, `SELECT id FROM nodes WHERE id = $1 FOR UPDATE`, nodeID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("locking node: %w", err)
		}

		query := `
			UPDATE jobs
			SET status = 'RUNNING', node_id = $2, assigned_at = $4, attempts = attempts + 1
			WHERE id = $1
				AND status = 'PENDING'
				AND (SELECT COUNT(*) FROM jobs WHERE node_id = $2 AND status = 'RUNNING') < $3`

		result, err := q.ExecContext(ctx, query, jobID, nodeID, maxRunning, at)
		if err != nil {
			return fmt.Errorf("assigning job: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 1 {
			return nil
		}

		status, err := jobStatus(ctx, q, jobID)
		if err != nil {
			return err
		}
		if status != models.JobStatusPending {
			return store.ErrJobNotPending
		}
		return store.ErrNodeAtCapacity
	})
}

// Release reverts a RUNNING job on nodeID to PENDING.
func (s *JobStore) Release(ctx context.Context, jobID, nodeID string) error {
	query := `
		UPDATE jobs
		SET status = 'PENDING', node_id = NULL, assigned_at = NULL
		WHERE id = $1 AND status = 'RUNNING' AND node_id = $2`

	result, err := s.conn().ExecContext(ctx, query, jobID, nodeID)
	if err != nil {
		return fmt.Errorf("releasing job: %w", err)
	}
	return s.expectRunning(ctx, result, jobID)
}

// ReleaseByNode reverts every RUNNING job on nodeID to PENDING.
func (s *JobStore) ReleaseByNode(ctx context.Context, nodeID string) ([]string, error) {
	query := `
		UPDATE jobs
		SET status = 'PENDING', node_id = NULL, assigned_at = NULL
		WHERE status = 'RUNNING' AND node_id = $1
		RETURNING id`

	rows, err := s.conn().QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("releasing node jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning released job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating released jobs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Complete moves a RUNNING job on nodeID to COMPLETED.
func (s *JobStore) Complete(ctx context.Context, jobID, nodeID string, result json.RawMessage, cost decimal.Decimal, at time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'COMPLETED', result = $3, cost = $4, completed_at = $5
		WHERE id = $1 AND status = 'RUNNING' AND node_id = $2`

	res, err := s.conn().ExecContext(ctx, query, jobID, nodeID, nullableJSON(result), cost, at)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return s.expectRunning(ctx, res, jobID)
}

// Fail moves a RUNNING job on nodeID to FAILED.
func (s *JobStore) Fail(ctx context.Context, jobID, nodeID, errMsg string, at time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'FAILED', error = $3, completed_at = $4
		WHERE id = $1 AND status = 'RUNNING' AND node_id = $2`

	res, err := s.conn().ExecContext(ctx, query, jobID, nodeID, errMsg, at)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return s.expectRunning(ctx, res, jobID)
}

// RunningCounts returns the number of RUNNING jobs per node.
func (s *JobStore) RunningCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT node_id, COUNT(*) FROM jobs WHERE status = 'RUNNING' GROUP BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("counting running jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var nodeID string
		var n int
		if err := rows.Scan(&nodeID, &n); err != nil {
			return nil, fmt.Errorf("scanning running count: %w", err)
		}
		counts[nodeID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating running counts: %w", err)
	}
	return counts, nil
}

// ListOrphaned returns RUNNING jobs whose node is inactive or stale.
func (s *JobStore) ListOrphaned(ctx context.Context, since time.Time) ([]*models.Job, error) {
	query := `
		SELECT ` + joinedJobColumns + `
		FROM jobs j
		JOIN nodes n ON n.id = j.node_id
		WHERE j.status = 'RUNNING'
			AND (n.active = FALSE OR n.last_heartbeat < $1)
		ORDER BY j.assigned_at`

	rows, err := s.conn().QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// expectRunning maps a conditional update that matched nothing to ErrNotFound or
// ErrJobNotRunning.
func (s *JobStore) expectRunning(ctx context.Context, result sql.Result, jobID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}
	if _, err := jobStatus(ctx, s.conn(), jobID); err != nil {
		return err
	}
	return store.ErrJobNotRunning
}

func jobStatus(ctx context.Context, q queryable, jobID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("querying job status: %w", err)
	}
	return status, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var payload, result []byte
	var assignedAt, completedAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Capability,
		&payload,
		&job.Status,
		&job.NodeID,
		&result,
		&job.Error,
		&job.Cost,
		&job.Attempts,
		&job.CreatedAt,
		&assignedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if assignedAt.Valid {
		job.AssignedAt = &assignedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}
