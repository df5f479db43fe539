// Package store provides database access interfaces shared by the Postgres and in-memory backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/shopspring/decimal"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrOwnerMismatch is returned when a node id is re-registered under a different owner.
	ErrOwnerMismatch = errors.New("node is owned by another user")

	// ErrJobNotPending is returned when an assignment finds the job no longer PENDING.
	ErrJobNotPending = errors.New("job is not pending")

	// ErrJobNotRunning is returned when a settlement or release finds the job not RUNNING
	// on the given node.
	ErrJobNotRunning = errors.New("job is not running on node")

	// ErrNodeAtCapacity is returned when a node already holds its maximum RUNNING jobs.
	ErrNodeAtCapacity = errors.New("node at capacity")

	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateEntry is returned when a ledger entry of the same kind already exists for a job.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

// NodeStore defines operations on registered nodes.
type NodeStore interface {
	// Upsert creates the node or replaces its capabilities, metadata and name, marking it
	// active with the given heartbeat. Returns ErrOwnerMismatch if the node exists under
	// another owner.
	Upsert(ctx context.Context, node *models.Node) error
	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*models.Node, error)
	// List retrieves all known nodes.
	List(ctx context.Context) ([]*models.Node, error)
	// Touch updates last_heartbeat only. Returns ErrNotFound for unknown nodes.
	Touch(ctx context.Context, id string, at time.Time) error
	// SetActive updates the active flag. Returns ErrNotFound for unknown nodes.
	SetActive(ctx context.Context, id string, active bool) error
	// ListLive returns active nodes heartbeated at or after since that declare capability.
	// An empty capability matches every live node.
	ListLive(ctx context.Context, capability string, since time.Time) ([]*models.Node, error)
	// DeactivateStale marks active nodes with a heartbeat before since as inactive.
	DeactivateStale(ctx context.Context, since time.Time) (int, error)
}

// JobStore defines operations on jobs. Every mutation is a single conditional update
// keyed on the current status.
type JobStore interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *models.Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*models.Job, error)
	// ListPending returns up to limit PENDING jobs, oldest first. A limit of zero or
	// less returns all of them.
	ListPending(ctx context.Context, limit int) ([]*models.Job, error)
	// Assign moves a PENDING job to RUNNING on nodeID if the node holds fewer than
	// maxRunning RUNNING jobs. Returns ErrJobNotPending or ErrNodeAtCapacity.
	Assign(ctx context.Context, jobID, nodeID string, maxRunning int, at time.Time) error
	// Release reverts a RUNNING job on nodeID to PENDING. Returns ErrJobNotRunning.
	Release(ctx context.Context, jobID, nodeID string) error
	// ReleaseByNode reverts every job RUNNING on nodeID to PENDING and returns their ids.
	ReleaseByNode(ctx context.Context, nodeID string) ([]string, error)
	// Complete moves a RUNNING job on nodeID to COMPLETED. Returns ErrJobNotRunning.
	Complete(ctx context.Context, jobID, nodeID string, result json.RawMessage, cost decimal.Decimal, at time.Time) error
	// Fail moves a RUNNING job on nodeID to FAILED. Returns ErrJobNotRunning.
	Fail(ctx context.Context, jobID, nodeID, errMsg string, at time.Time) error
	// RunningCounts returns the number of RUNNING jobs per node.
	RunningCounts(ctx context.Context) (map[string]int, error)
	// ListOrphaned returns RUNNING jobs whose node is inactive or heartbeated before since.
	ListOrphaned(ctx context.Context, since time.Time) ([]*models.Job, error)
}

// LedgerStore defines operations on the append-only ledger.
type LedgerStore interface {
	// Append adds an entry. Returns ErrDuplicateEntry if an entry of the same kind exists
	// for the same job.
	Append(ctx context.Context, entry *models.LedgerEntry) error
	// ListByUser returns a user's most recent entries, newest first. A limit of zero or
	// less returns all of them.
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
	// ListByJob returns all entries referencing a job.
	ListByJob(ctx context.Context, jobID string) ([]*models.LedgerEntry, error)
}

// WalletStore defines atomic balance operations.
type WalletStore interface {
	// Get returns a user's wallet. Returns ErrNotFound if the user has none.
	Get(ctx context.Context, userID string) (*models.Wallet, error)
	// Credit atomically adds amount, creating the wallet if needed.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
	// Debit atomically subtracts amount. Returns ErrInsufficientFunds if the balance is too low.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error
}

// AgentTokenStore defines operations on node agent credentials.
type AgentTokenStore interface {
	Create(ctx context.Context, token *models.AgentToken) error
	// GetByHash retrieves a token by the hash of its raw value.
	GetByHash(ctx context.Context, hash string) (*models.AgentToken, error)
	// ListByUser returns a user's tokens, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.AgentToken, error)
	// Revoke marks a token owned by userID revoked. Returns ErrNotFound otherwise.
	Revoke(ctx context.Context, id, userID string, at time.Time) error
}

// Store is the main interface for state shared across sessions.
type Store interface {
	// Nodes returns the NodeStore for node operations.
	Nodes() NodeStore
	// Jobs returns the JobStore for job operations.
	Jobs() JobStore
	// Ledger returns the LedgerStore for ledger operations.
	Ledger() LedgerStore
	// Wallets returns the WalletStore for balance operations.
	Wallets() WalletStore
	// AgentTokens returns the AgentTokenStore for agent credential operations.
	AgentTokens() AgentTokenStore

	// WithTx executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}
