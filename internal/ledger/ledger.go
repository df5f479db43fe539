// Package ledger finalizes jobs and moves credits between wallets. Every settlement is
// a single conditional job update plus its ledger entry, applied in one transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/shopspring/decimal"
)

// Ledger errors.
var (
	// ErrJobNotFound is returned when a settlement references an unknown job.
	ErrJobNotFound = errors.New("job not found")
	// ErrInsufficientFunds is returned when a submitter cannot pay the tariff.
	ErrInsufficientFunds = store.ErrInsufficientFunds
	// ErrInvalidSubmission is returned for a submission without a capability.
	ErrInvalidSubmission = errors.New("submission requires a capability")
)

// Outcome reports whether a settlement changed anything. Applied is false when the job
// was already terminal or assigned to another node.
type Outcome struct {
	Applied bool
	Job     *models.Job
}

// Config holds the tariff.
type Config struct {
	// JobCost is debited from the submitter when a job is created.
	JobCost decimal.Decimal
	// ProviderShare is the fraction of JobCost paid to the node owner on completion.
	ProviderShare decimal.Decimal
	// RefundOnFailure credits JobCost back to the submitter when a job fails.
	RefundOnFailure bool
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		JobCost:       decimal.RequireFromString("1.00"),
		ProviderShare: decimal.RequireFromString("0.80"),
	}
}

// Ledger applies settlements and submissions against a store.
type Ledger struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(st store.Store, cfg *Config, logger *slog.Logger) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		cfg:    *cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProviderCredit is the amount paid to a provider per completed job.
func (l *Ledger) ProviderCredit() decimal.Decimal {
	return l.cfg.JobCost.Mul(l.cfg.ProviderShare).Round(2)
}

// Complete marks a job RUNNING on nodeID as COMPLETED and credits nodeOwner. A job that
// is already terminal or assigned elsewhere yields Outcome{Applied: false}. The submitter's
// wallet is not touched.
func (l *Ledger) Complete(ctx context.Context, jobID string, result json.RawMessage, nodeID, nodeOwner string) (Outcome, error) {
	credit := l.ProviderCredit()

	var job *models.Job
	err := l.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Jobs().Complete(ctx, jobID, nodeID, result, l.cfg.JobCost, l.now()); err != nil {
			return err
		}
		entry := &models.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      nodeOwner,
			Amount:      credit,
			Description: fmt.Sprintf("provider credit for job %s", jobID),
			JobID:       jobID,
			Kind:        models.EntryKindProviderCredit,
			CreatedAt:   l.now(),
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		if err := tx.Wallets().Credit(ctx, nodeOwner, credit); err != nil {
			return err
		}

		var err error
		job, err = tx.Jobs().Get(ctx, jobID)
		return err
	})

	switch {
	case errors.Is(err, store.ErrJobNotRunning), errors.Is(err, store.ErrDuplicateEntry):
		l.logger.Debug("duplicate settlement ignored", "job_id", jobID, "node_id", nodeID)
		return Outcome{Applied: false}, nil
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, ErrJobNotFound
	case err != nil:
		return Outcome{}, fmt.Errorf("completing job: %w", err)
	}

	l.logger.Info("job completed",
		"job_id", jobID,
		"node_id", nodeID,
		"provider_id", nodeOwner,
		"credit", credit.StringFixed(2),
	)
	return Outcome{Applied: true, Job: job}, nil
}

// Fail marks a job RUNNING on nodeID as FAILED. No provider is credited. The submitter
// is refunded only when RefundOnFailure is set.
func (l *Ledger) Fail(ctx context.Context, jobID, errMsg, nodeID string) (Outcome, error) {
	var job *models.Job
	err := l.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Jobs().Fail(ctx, jobID, nodeID, errMsg, l.now()); err != nil {
			return err
		}

		var err error
		job, err = tx.Jobs().Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !l.cfg.RefundOnFailure {
			return nil
		}

		entry := &models.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      job.OwnerID,
			Amount:      l.cfg.JobCost,
			Description: fmt.Sprintf("refund for failed job %s", jobID),
			JobID:       jobID,
			Kind:        models.EntryKindFailureRefund,
			CreatedAt:   l.now(),
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		return tx.Wallets().Credit(ctx, job.OwnerID, l.cfg.JobCost)
	})

	switch {
	case errors.Is(err, store.ErrJobNotRunning), errors.Is(err, store.ErrDuplicateEntry):
		l.logger.Debug("duplicate settlement ignored", "job_id", jobID, "node_id", nodeID)
		return Outcome{Applied: false}, nil
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, ErrJobNotFound
	case err != nil:
		return Outcome{}, fmt.Errorf("failing job: %w", err)
	}

	l.logger.Info("job failed",
		"job_id", jobID,
		"node_id", nodeID,
		"error_message", errMsg,
		"refunded", l.cfg.RefundOnFailure,
	)
	return Outcome{Applied: true, Job: job}, nil
}

// Submit debits the tariff from owner and creates a PENDING job, atomically. An
// insufficient balance creates nothing and returns ErrInsufficientFunds.
func (l *Ledger) Submit(ctx context.Context, owner, capability string, payload json.RawMessage) (*models.Job, error) {
	capability = strings.TrimSpace(capability)
	if owner == "" || capability == "" {
		return nil, ErrInvalidSubmission
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Capability: capability,
		Payload:    payload,
		Status:     models.JobStatusPending,
		Cost:       l.cfg.JobCost,
		CreatedAt:  l.now(),
	}

	err := l.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Wallets().Debit(ctx, owner, l.cfg.JobCost); err != nil {
			return err
		}
		entry := &models.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      owner,
			Amount:      l.cfg.JobCost.Neg(),
			Description: fmt.Sprintf("submission of job %s (%s)", job.ID, capability),
			JobID:       job.ID,
			Kind:        models.EntryKindSubmissionDebit,
			CreatedAt:   l.now(),
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		return tx.Jobs().Create(ctx, job)
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("submitting job: %w", err)
	}

	l.logger.Info("job submitted", "job_id", job.ID, "owner_id", owner, "capability", capability)
	return job, nil
}

// Deposit credits amount to userID. It stands in for the external wallet gateway in
// development tooling.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit must be positive, got %s", amount)
	}
	return l.store.WithTx(ctx, func(tx store.Store) error {
		entry := &models.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      amount,
			Description: "deposit",
			Kind:        models.EntryKindDeposit,
			CreatedAt:   l.now(),
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		return tx.Wallets().Credit(ctx, userID, amount)
	})
}

// Balance returns a user's balance. Users without a wallet have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := l.store.Wallets().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("getting wallet: %w", err)
	}
	return w.Balance, nil
}

// Entries returns a user's most recent ledger entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	entries, err := l.store.Ledger().ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	return entries, nil
}
