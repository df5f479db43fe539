// Package storetest holds behaviour tests shared by every store.Store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the conditional-update contract of a store backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("NodeUpsertKeepsOwner", func(t *testing.T) { testNodeUpsertKeepsOwner(t, newStore(t)) })
	t.Run("NodeLiveFilter", func(t *testing.T) { testNodeLiveFilter(t, newStore(t)) })
	t.Run("NodeTouchUnknown", func(t *testing.T) { testNodeTouchUnknown(t, newStore(t)) })
	t.Run("JobAssignRespectsCapacity", func(t *testing.T) { testJobAssignRespectsCapacity(t, newStore(t)) })
	t.Run("JobConcurrentAssign", func(t *testing.T) { testJobConcurrentAssign(t, newStore(t)) })
	t.Run("JobSettleOnce", func(t *testing.T) { testJobSettleOnce(t, newStore(t)) })
	t.Run("JobRelease", func(t *testing.T) { testJobRelease(t, newStore(t)) })
	t.Run("JobReleaseByNode", func(t *testing.T) { testJobReleaseByNode(t, newStore(t)) })
	t.Run("JobOrphaned", func(t *testing.T) { testJobOrphaned(t, newStore(t)) })
	t.Run("LedgerDuplicate", func(t *testing.T) { testLedgerDuplicate(t, newStore(t)) })
	t.Run("ListWithoutLimit", func(t *testing.T) { testListWithoutLimit(t, newStore(t)) })
	t.Run("WalletDebit", func(t *testing.T) { testWalletDebit(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("AgentTokens", func(t *testing.T) { testAgentTokens(t, newStore(t)) })
}

// NewNode returns a node with one capability and a fresh heartbeat.
func NewNode(id, owner string, caps ...string) *models.Node {
	return &models.Node{
		ID:            id,
		OwnerID:       owner,
		Name:          id,
		Capabilities:  caps,
		LastHeartbeat: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewJob returns a PENDING job.
func NewJob(owner, capability string) *models.Job {
	return &models.Job{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Capability: capability,
		Payload:    json.RawMessage(`{"prompt":"hello"}`),
		Status:     models.JobStatusPending,
		Cost:       decimal.RequireFromString("1.00"),
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

func testNodeUpsertKeepsOwner(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "mistral")))

	err := s.Nodes().Upsert(ctx, NewNode("n1", "mallory", "llama3"))
	assert.ErrorIs(t, err, store.ErrOwnerMismatch)

	got, err := s.Nodes().Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, []string{"mistral"}, got.Capabilities)
	assert.True(t, got.Active)
}

func testNodeLiveFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := NewNode("fresh", "alice", "llama3")
	stale := NewNode("stale", "alice", "llama3")
	stale.LastHeartbeat = now.Add(-time.Minute)
	other := NewNode("other", "alice", "mistral")
	gone := NewNode("gone", "alice", "llama3")

	for _, n := range []*models.Node{fresh, stale, other, gone} {
		require.NoError(t, s.Nodes().Upsert(ctx, n))
	}
	require.NoError(t, s.Nodes().SetActive(ctx, "gone", false))

	live, err := s.Nodes().ListLive(ctx, "llama3", now.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].ID)

	all, err := s.Nodes().ListLive(ctx, "", now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := s.Nodes().DeactivateStale(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Nodes().Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func testNodeTouchUnknown(t *testing.T, s store.Store) {
	err := s.Nodes().Touch(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testJobAssignRespectsCapacity(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))

	first := NewJob("bob", "llama3")
	second := NewJob("bob", "llama3")
	require.NoError(t, s.Jobs().Create(ctx, first))
	require.NoError(t, s.Jobs().Create(ctx, second))

	now := time.Now().UTC()
	require.NoError(t, s.Jobs().Assign(ctx, first.ID, "n1", 1, now))
	assert.ErrorIs(t, s.Jobs().Assign(ctx, second.ID, "n1", 1, now), store.ErrNodeAtCapacity)
	assert.ErrorIs(t, s.Jobs().Assign(ctx, first.ID, "n1", 2, now), store.ErrJobNotPending)
	require.NoError(t, s.Jobs().Assign(ctx, second.ID, "n1", 2, now))

	got, err := s.Jobs().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.AssignedAt)

	counts, err := s.Jobs().RunningCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["n1"])

	assert.ErrorIs(t, s.Jobs().Assign(ctx, uuid.NewString(), "n1", 5, now), store.ErrNotFound)
}

func testJobConcurrentAssign(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))

	const jobs = 8
	ids := make([]string, jobs)
	for i := range ids {
		j := NewJob("bob", "llama3")
		require.NoError(t, s.Jobs().Create(ctx, j))
		ids[i] = j.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.Jobs().Assign(ctx, id, "n1", 1, time.Now().UTC())
			if err == nil {
				mu.Lock()
				assigned++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrNodeAtCapacity) {
				t.Errorf("unexpected assign error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, assigned)
	counts, err := s.Jobs().RunningCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["n1"])
}

func testJobSettleOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n2", "carol", "llama3")))

	job := NewJob("bob", "llama3")
	require.NoError(t, s.Jobs().Create(ctx, job))
	now := time.Now().UTC()
	require.NoError(t, s.Jobs().Assign(ctx, job.ID, "n1", 1, now))

	cost := decimal.RequireFromString("1.00")
	assert.ErrorIs(t, s.Jobs().Complete(ctx, job.ID, "n2", json.RawMessage(`"x"`), cost, now), store.ErrJobNotRunning)

	require.NoError(t, s.Jobs().Complete(ctx, job.ID, "n1", json.RawMessage(`{"response":"first"}`), cost, now))
	assert.ErrorIs(t, s.Jobs().Complete(ctx, job.ID, "n1", json.RawMessage(`{"response":"second"}`), cost, now), store.ErrJobNotRunning)
	assert.ErrorIs(t, s.Jobs().Fail(ctx, job.ID, "n1", "late", now), store.ErrJobNotRunning)
	assert.ErrorIs(t, s.Jobs().Fail(ctx, uuid.NewString(), "n1", "x", now), store.ErrNotFound)

	got, err := s.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"response":"first"}`, string(got.Result))
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func testJobRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))

	job := NewJob("bob", "llama3")
	require.NoError(t, s.Jobs().Create(ctx, job))
	require.NoError(t, s.Jobs().Assign(ctx, job.ID, "n1", 1, time.Now().UTC()))
	require.NoError(t, s.Jobs().Release(ctx, job.ID, "n1"))
	assert.ErrorIs(t, s.Jobs().Release(ctx, job.ID, "n1"), store.ErrJobNotRunning)

	pending, err := s.Jobs().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Empty(t, pending[0].NodeID)
	assert.Equal(t, 1, pending[0].Attempts)
}

func testJobReleaseByNode(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n1", "alice", "llama3")))
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("n2", "alice", "llama3")))

	now := time.Now().UTC()
	var onN1 []string
	for i := 0; i < 2; i++ {
		job := NewJob("bob", "llama3")
		require.NoError(t, s.Jobs().Create(ctx, job))
		require.NoError(t, s.Jobs().Assign(ctx, job.ID, "n1", 2, now))
		onN1 = append(onN1, job.ID)
	}
	other := NewJob("bob", "llama3")
	require.NoError(t, s.Jobs().Create(ctx, other))
	require.NoError(t, s.Jobs().Assign(ctx, other.ID, "n2", 1, now))

	released, err := s.Jobs().ReleaseByNode(ctx, "n1")
	require.NoError(t, err)
	assert.ElementsMatch(t, onN1, released)

	for _, id := range onN1 {
		got, err := s.Jobs().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Empty(t, got.NodeID)
	}
	got, err := s.Jobs().Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	released, err = s.Jobs().ReleaseByNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, released)
}

func testJobOrphaned(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("alive", "alice", "llama3")))
	require.NoError(t, s.Nodes().Upsert(ctx, NewNode("dead", "alice", "llama3")))

	a := NewJob("bob", "llama3")
	b := NewJob("bob", "llama3")
	require.NoError(t, s.Jobs().Create(ctx, a))
	require.NoError(t, s.Jobs().Create(ctx, b))
	now := time.Now().UTC()
	require.NoError(t, s.Jobs().Assign(ctx, a.ID, "alive", 1, now))
	require.NoError(t, s.Jobs().Assign(ctx, b.ID, "dead", 1, now))
	require.NoError(t, s.Nodes().SetActive(ctx, "dead", false))

	orphaned, err := s.Jobs().ListOrphaned(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, b.ID, orphaned[0].ID)
}

func testLedgerDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := uuid.NewString()

	credit := func() *models.LedgerEntry {
		return &models.LedgerEntry{
			ID:     uuid.NewString(),
			UserID: "alice",
			Amount: decimal.RequireFromString("0.80"),
			JobID:  jobID,
			Kind:   models.EntryKindProviderCredit,
		}
	}
	require.NoError(t, s.Ledger().Append(ctx, credit()))
	assert.ErrorIs(t, s.Ledger().Append(ctx, credit()), store.ErrDuplicateEntry)

	entries, err := s.Ledger().ListByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	byUser, err := s.Ledger().ListByUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.True(t, byUser[0].Amount.Equal(decimal.RequireFromString("0.80")))
}

func testListWithoutLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Jobs().Create(ctx, NewJob("bob", "llama3")))
		require.NoError(t, s.Ledger().Append(ctx, &models.LedgerEntry{
			ID:     uuid.NewString(),
			UserID: "bob",
			Amount: decimal.NewFromInt(1),
			Kind:   models.EntryKindDeposit,
		}))
	}

	for _, limit := range []int{0, -1} {
		pending, err := s.Jobs().ListPending(ctx, limit)
		require.NoError(t, err)
		assert.Len(t, pending, 3, "ListPending limit %d", limit)

		entries, err := s.Ledger().ListByUser(ctx, "bob", limit)
		require.NoError(t, err)
		assert.Len(t, entries, 3, "ListByUser limit %d", limit)
	}

	entries, err := s.Ledger().ListByUser(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testWalletDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	one := decimal.RequireFromString("1.00")

	assert.ErrorIs(t, s.Wallets().Debit(ctx, "bob", one), store.ErrInsufficientFunds)

	require.NoError(t, s.Wallets().Credit(ctx, "bob", decimal.RequireFromString("1.50")))
	require.NoError(t, s.Wallets().Debit(ctx, "bob", one))
	assert.ErrorIs(t, s.Wallets().Debit(ctx, "bob", one), store.ErrInsufficientFunds)

	w, err := s.Wallets().Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("0.50")), "balance = %s", w.Balance)

	_, err = s.Wallets().Get(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Wallets().Credit(ctx, "bob", decimal.NewFromInt(5)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Wallets().Get(ctx, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx store.Store) error {
		return tx.Wallets().Credit(ctx, "bob", decimal.NewFromInt(5))
	}))
	w, err := s.Wallets().Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(5)))
}

func testAgentTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	tok := &models.AgentToken{ID: uuid.NewString(), UserID: "alice", Label: "rig", TokenHash: "abc123"}
	require.NoError(t, s.AgentTokens().Create(ctx, tok))

	got, err := s.AgentTokens().GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.False(t, got.Revoked())

	assert.ErrorIs(t, s.AgentTokens().Revoke(ctx, tok.ID, "mallory", time.Now()), store.ErrNotFound)
	require.NoError(t, s.AgentTokens().Revoke(ctx, tok.ID, "alice", time.Now()))

	got, err = s.AgentTokens().GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, got.Revoked())

	list, err := s.AgentTokens().ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.AgentTokens().GetByHash(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
