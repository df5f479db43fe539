package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/shopspring/decimal"
)

type nodeStore struct {
	s    *Store
	held bool
}

func (n *nodeStore) Upsert(ctx context.Context, node *models.Node) error {
	defer n.s.acquire(n.held)()

	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = time.Now().UTC()
	}

	row, ok := n.s.t.nodes[node.ID]
	if ok && row.OwnerID != node.OwnerID {
		return store.ErrOwnerMismatch
	}
	if !ok {
		row = models.Node{ID: node.ID, OwnerID: node.OwnerID, RegisteredAt: node.LastHeartbeat}
	}
	row.Name = node.Name
	row.Capabilities = slices.Clone(node.Capabilities)
	row.Metadata = cloneJSON(node.Metadata)
	row.Active = true
	row.LastHeartbeat = node.LastHeartbeat
	n.s.t.nodes[node.ID] = row

	node.Active = true
	node.RegisteredAt = row.RegisteredAt
	return nil
}

func (n *nodeStore) Get(ctx context.Context, id string) (*models.Node, error) {
	defer n.s.acquire(n.held)()

	row, ok := n.s.t.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (n *nodeStore) List(ctx context.Context) ([]*models.Node, error) {
	defer n.s.acquire(n.held)()
	return n.filter(func(models.Node) bool { return true }), nil
}

func (n *nodeStore) Touch(ctx context.Context, id string, at time.Time) error {
	defer n.s.acquire(n.held)()

	row, ok := n.s.t.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	row.LastHeartbeat = at
	n.s.t.nodes[id] = row
	return nil
}

func (n *nodeStore) SetActive(ctx context.Context, id string, active bool) error {
	defer n.s.acquire(n.held)()

	row, ok := n.s.t.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Active = active
	n.s.t.nodes[id] = row
	return nil
}

func (n *nodeStore) ListLive(ctx context.Context, capability string, since time.Time) ([]*models.Node, error) {
	defer n.s.acquire(n.held)()

	return n.filter(func(row models.Node) bool {
		return row.Active && !row.LastHeartbeat.Before(since) &&
			(capability == "" || row.HasCapability(capability))
	}), nil
}

func (n *nodeStore) DeactivateStale(ctx context.Context, since time.Time) (int, error) {
	defer n.s.acquire(n.held)()

	count := 0
	for id, row := range n.s.t.nodes {
		if row.Active && row.LastHeartbeat.Before(since) {
			row.Active = false
			n.s.t.nodes[id] = row
			count++
		}
	}
	return count, nil
}

// filter returns matching nodes ordered by id. Caller holds the lock.
func (n *nodeStore) filter(keep func(models.Node) bool) []*models.Node {
	var out []*models.Node
	for _, row := range n.s.t.nodes {
		if keep(row) {
			row := row
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type jobStore struct {
	s    *Store
	held bool
}

func (j *jobStore) Create(ctx context.Context, job *models.Job) error {
	defer j.s.acquire(j.held)()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	row := *job
	row.Payload = cloneJSON(job.Payload)
	j.s.t.jobs[job.ID] = row
	return nil
}

func (j *jobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	defer j.s.acquire(j.held)()

	row, ok := j.s.t.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (j *jobStore) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	defer j.s.acquire(j.held)()

	var out []*models.Job
	for _, row := range j.s.t.jobs {
		if row.Status == models.JobStatusPending {
			row := row
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *jobStore) Assign(ctx context.Context, jobID, nodeID string, maxRunning int, at time.Time) error {
	defer j.s.acquire(j.held)()

	if _, ok := j.s.t.nodes[nodeID]; !ok {
		return store.ErrNotFound
	}
	row, ok := j.s.t.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Status != models.JobStatusPending {
		return store.ErrJobNotPending
	}
	if j.runningOn(nodeID) >= maxRunning {
		return store.ErrNodeAtCapacity
	}

	row.Status = models.JobStatusRunning
	row.NodeID = nodeID
	row.AssignedAt = &at
	row.Attempts++
	j.s.t.jobs[jobID] = row
	return nil
}

func (j *jobStore) Release(ctx context.Context, jobID, nodeID string) error {
	return j.finishRunning(jobID, nodeID, func(row *models.Job) {
		row.Status = models.JobStatusPending
		row.NodeID = ""
		row.AssignedAt = nil
	})
}

func (j *jobStore) ReleaseByNode(ctx context.Context, nodeID string) ([]string, error) {
	defer j.s.acquire(j.held)()

	var ids []string
	for id, row := range j.s.t.jobs {
		if row.Status != models.JobStatusRunning || row.NodeID != nodeID {
			continue
		}
		row.Status = models.JobStatusPending
		row.NodeID = ""
		row.AssignedAt = nil
		j.s.t.jobs[id] = row
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (j *jobStore) Complete(ctx context.Context, jobID, nodeID string, result json.RawMessage, cost decimal.Decimal, at time.Time) error {
	return j.finishRunning(jobID, nodeID, func(row *models.Job) {
		row.Status = models.JobStatusCompleted
		row.Result = cloneJSON(result)
		row.Cost = cost
		row.CompletedAt = &at
	})
}

func (j *jobStore) Fail(ctx context.Context, jobID, nodeID, errMsg string, at time.Time) error {
	return j.finishRunning(jobID, nodeID, func(row *models.Job) {
		row.Status = models.JobStatusFailed
		row.Error = errMsg
		row.CompletedAt = &at
	})
}

// finishRunning applies mutate only to a job RUNNING on nodeID.
func (j *jobStore) finishRunning(jobID, nodeID string, mutate func(*models.Job)) error {
	defer j.s.acquire(j.held)()

	row, ok := j.s.t.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Status != models.JobStatusRunning || row.NodeID != nodeID {
		return store.ErrJobNotRunning
	}
	mutate(&row)
	j.s.t.jobs[jobID] = row
	return nil
}

func (j *jobStore) RunningCounts(ctx context.Context) (map[string]int, error) {
	defer j.s.acquire(j.held)()

	counts := make(map[string]int)
	for _, row := range j.s.t.jobs {
		if row.Status == models.JobStatusRunning {
			counts[row.NodeID]++
		}
	}
	return counts, nil
}

func (j *jobStore) ListOrphaned(ctx context.Context, since time.Time) ([]*models.Job, error) {
	defer j.s.acquire(j.held)()

	var out []*models.Job
	for _, row := range j.s.t.jobs {
		if row.Status != models.JobStatusRunning {
			continue
		}
		node, ok := j.s.t.nodes[row.NodeID]
		if ok && node.Active && !node.LastHeartbeat.Before(since) {
			continue
		}
		row := row
		out = append(out, &row)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (j *jobStore) runningOn(nodeID string) int {
	n := 0
	for _, row := range j.s.t.jobs {
		if row.Status == models.JobStatusRunning && row.NodeID == nodeID {
			n++
		}
	}
	return n
}

type ledgerStore struct {
	s    *Store
	held bool
}

func (l *ledgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	defer l.s.acquire(l.held)()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.JobID != "" {
		key := entry.JobID + "|" + string(entry.Kind)
		if _, dup := l.s.t.entryKeys[key]; dup {
			return store.ErrDuplicateEntry
		}
		l.s.t.entryKeys[key] = struct{}{}
	}
	l.s.t.entries = append(l.s.t.entries, *entry)
	return nil
}

func (l *ledgerStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	defer l.s.acquire(l.held)()

	var out []*models.LedgerEntry
	for i := len(l.s.t.entries) - 1; i >= 0; i-- {
		e := l.s.t.entries[i]
		if e.UserID != userID {
			continue
		}
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *ledgerStore) ListByJob(ctx context.Context, jobID string) ([]*models.LedgerEntry, error) {
	defer l.s.acquire(l.held)()

	var out []*models.LedgerEntry
	for _, e := range l.s.t.entries {
		if e.JobID == jobID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

type walletStore struct {
	s    *Store
	held bool
}

func (w *walletStore) Get(ctx context.Context, userID string) (*models.Wallet, error) {
	defer w.s.acquire(w.held)()

	row, ok := w.s.t.wallets[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (w *walletStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	defer w.s.acquire(w.held)()

	row, ok := w.s.t.wallets[userID]
	if !ok {
		row = models.Wallet{UserID: userID, Balance: decimal.Zero}
	}
	row.Balance = row.Balance.Add(amount)
	row.UpdatedAt = time.Now().UTC()
	w.s.t.wallets[userID] = row
	return nil
}

func (w *walletStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	defer w.s.acquire(w.held)()

	row, ok := w.s.t.wallets[userID]
	if !ok || row.Balance.LessThan(amount) {
		return store.ErrInsufficientFunds
	}
	row.Balance = row.Balance.Sub(amount)
	row.UpdatedAt = time.Now().UTC()
	w.s.t.wallets[userID] = row
	return nil
}

type tokenStore struct {
	s    *Store
	held bool
}

func (t *tokenStore) Create(ctx context.Context, token *models.AgentToken) error {
	defer t.s.acquire(t.held)()

	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	t.s.t.tokens[token.ID] = *token
	return nil
}

func (t *tokenStore) GetByHash(ctx context.Context, hash string) (*models.AgentToken, error) {
	defer t.s.acquire(t.held)()

	for id, row := range t.s.t.tokens {
		if row.TokenHash == hash {
			now := time.Now().UTC()
			row.LastUsed = &now
			t.s.t.tokens[id] = row
			return &row, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tokenStore) ListByUser(ctx context.Context, userID string) ([]*models.AgentToken, error) {
	defer t.s.acquire(t.held)()

	var out []*models.AgentToken
	for _, row := range t.s.t.tokens {
		if row.UserID == userID {
			row := row
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (t *tokenStore) Revoke(ctx context.Context, id, userID string, at time.Time) error {
	defer t.s.acquire(t.held)()

	row, ok := t.s.t.tokens[id]
	if !ok || row.UserID != userID || row.RevokedAt != nil {
		return store.ErrNotFound
	}
	row.RevokedAt = &at
	t.s.t.tokens[id] = row
	return nil
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return slices.Clone(raw)
}
