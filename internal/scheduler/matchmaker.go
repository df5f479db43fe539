// Package scheduler matches pending jobs to live nodes and keeps the queue moving.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/pkg/config"
)

// Common errors returned by the matchmaker.
var (
	// ErrNoEligibleNodes means the job stays PENDING until a node becomes available.
	ErrNoEligibleNodes = errors.New("no eligible nodes available")
	// ErrJobNotPending means the job was matched or settled elsewhere.
	ErrJobNotPending = store.ErrJobNotPending
)

// NodeSource lists live nodes.
type NodeSource interface {
	LiveNodes(ctx context.Context, capability string, cutoff time.Duration) ([]*models.Node, error)
	Cutoff() time.Duration
}

// Dispatcher delivers jobs to node sessions.
type Dispatcher interface {
	Connected(nodeID string) bool
	Deliver(ctx context.Context, job *models.Job) error
}

// Matchmaker assigns PENDING jobs to live nodes.
type Matchmaker struct {
	store  store.Store
	nodes  NodeSource
	router Dispatcher
	logger *slog.Logger
	now    func() time.Time

	maxJobsPerNode   int
	sweepInterval    time.Duration
	maxSweepInterval time.Duration
	sweepBatchSize   int
	requeueOrphaned  bool
	watchdogInterval time.Duration

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMatchmaker creates a new Matchmaker instance.
func NewMatchmaker(st store.Store, nodes NodeSource, router Dispatcher, cfg *config.SchedulerConfig, logger *slog.Logger) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matchmaker{
		store:            st,
		nodes:            nodes,
		router:           router,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		maxJobsPerNode:   cfg.MaxJobsPerNode,
		sweepInterval:    cfg.SweepInterval,
		maxSweepInterval: cfg.MaxSweepInterval,
		sweepBatchSize:   cfg.SweepBatchSize,
		requeueOrphaned:  cfg.RequeueOrphaned,
		watchdogInterval: cfg.WatchdogInterval,
		trigger:          make(chan struct{}, 1),
		stopChan:         make(chan struct{}),
	}
	if m.maxJobsPerNode < 1 {
		m.maxJobsPerNode = 1
	}
	if m.sweepBatchSize < 1 {
		m.sweepBatchSize = 100
	}
	return m
}

// Match assigns a PENDING job to the best eligible node and dispatches it. A job that
// cannot be delivered goes back to PENDING and the next candidate is tried.
func (m *Matchmaker) Match(ctx context.Context, jobID string) (*models.Node, error) {
	job, err := m.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		return nil, ErrJobNotPending
	}

	live, err := m.nodes.LiveNodes(ctx, job.Capability, m.nodes.Cutoff())
	if err != nil {
		return nil, err
	}
	candidates := m.eligible(job, live)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleNodes
	}

	counts, err := m.store.Jobs().RunningCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting running jobs: %w", err)
	}
	rank(candidates, counts)

	for _, node := range candidates {
		err := m.store.Jobs().Assign(ctx, job.ID, node.ID, m.maxJobsPerNode, m.now())
		switch {
		case errors.Is(err, store.ErrNodeAtCapacity), errors.Is(err, store.ErrNotFound):
			continue
		case errors.Is(err, store.ErrJobNotPending):
			return nil, ErrJobNotPending
		case err != nil:
			return nil, fmt.Errorf("assigning job: %w", err)
		}

		assigned := *job
		assigned.Status = models.JobStatusRunning
		assigned.NodeID = node.ID
		if err := m.router.Deliver(ctx, &assigned); err != nil {
			m.logger.Warn("dispatch failed, returning job to queue",
				"job_id", job.ID,
				"node_id", node.ID,
				"error", err,
			)
			if err := m.store.Jobs().Release(ctx, job.ID, node.ID); err != nil {
				return nil, fmt.Errorf("releasing job after failed dispatch: %w", err)
			}
			continue
		}

		m.logger.Info("job matched",
			"job_id", job.ID,
			"node_id", node.ID,
			"capability", job.Capability,
			"node_running", counts[node.ID]+1,
		)
		return node, nil
	}

	return nil, ErrNoEligibleNodes
}

// eligible drops the submitter's own nodes and nodes without a live session.
func (m *Matchmaker) eligible(job *models.Job, live []*models.Node) []*models.Node {
	var out []*models.Node
	for _, n := range live {
		if n.OwnerID == job.OwnerID {
			continue
		}
		if !m.router.Connected(n.ID) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// rank orders nodes by RUNNING job count, then most recent heartbeat, then id.
func rank(nodes []*models.Node, running map[string]int) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if running[a.ID] != running[b.ID] {
			return running[a.ID] < running[b.ID]
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.ID < b.ID
	})
}

// Trigger asks the sweep loop to run now. It never blocks.
func (m *Matchmaker) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// NodeRegistered is a registry listener that re-sweeps when capacity appears.
func (m *Matchmaker) NodeRegistered(node *models.Node) {
	m.Trigger()
}
