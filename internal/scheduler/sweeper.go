package scheduler

import (
	"context"
	"errors"
	"time"
)

// Start launches the sweep loop and, when enabled, the orphaned job watchdog.
func (m *Matchmaker) Start(ctx context.Context) {
	m.logger.Info("starting matchmaker",
		"sweep_interval", m.sweepInterval,
		"max_sweep_interval", m.maxSweepInterval,
		"max_jobs_per_node", m.maxJobsPerNode,
		"requeue_orphaned", m.requeueOrphaned,
	)

	m.wg.Add(1)
	go m.sweepLoop(ctx)

	if m.requeueOrphaned {
		m.wg.Add(1)
		go m.watchdogLoop(ctx)
	}
}

// Stop stops all loops and waits for them to exit.
func (m *Matchmaker) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Matchmaker) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.sweepInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("matchmaker stopped by context")
			return
		case <-m.stopChan:
			m.logger.Info("matchmaker stopped")
			return
		case <-m.trigger:
			m.Sweep(ctx)
			interval = m.sweepInterval
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			matched := m.Sweep(ctx)
			interval = nextInterval(interval, matched, m.sweepInterval, m.maxSweepInterval)
			timer.Reset(interval)
		}
	}
}

// nextInterval resets the sweep interval after a productive sweep and doubles it,
// up to ceiling, after an idle one.
func nextInterval(current time.Duration, matched int, base, ceiling time.Duration) time.Duration {
	if matched > 0 {
		return base
	}
	next := current * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}

// Sweep tries to match up to one batch of PENDING jobs, oldest first, and returns how
// many were matched.
func (m *Matchmaker) Sweep(ctx context.Context) int {
	pending, err := m.store.Jobs().ListPending(ctx, m.sweepBatchSize)
	if err != nil {
		m.logger.Error("failed to list pending jobs", "error", err)
		return 0
	}

	matched := 0
	for _, job := range pending {
		_, err := m.Match(ctx, job.ID)
		switch {
		case err == nil:
			matched++
		case errors.Is(err, ErrNoEligibleNodes):
			m.logger.Debug("no eligible node for job", "job_id", job.ID, "capability", job.Capability)
		case errors.Is(err, ErrJobNotPending):
		default:
			m.logger.Warn("match failed", "job_id", job.ID, "error", err)
		}
	}

	if len(pending) > 0 {
		m.logger.Debug("sweep finished", "pending", len(pending), "matched", matched)
	}
	return matched
}

func (m *Matchmaker) watchdogLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if n := m.RequeueOrphaned(ctx); n > 0 {
				m.Trigger()
			}
		}
	}
}

// RequeueOrphaned returns RUNNING jobs whose node went inactive or silent to PENDING.
func (m *Matchmaker) RequeueOrphaned(ctx context.Context) int {
	orphaned, err := m.store.Jobs().ListOrphaned(ctx, m.now().Add(-m.nodes.Cutoff()))
	if err != nil {
		m.logger.Error("failed to list orphaned jobs", "error", err)
		return 0
	}

	requeued := 0
	for _, job := range orphaned {
		if err := m.store.Jobs().Release(ctx, job.ID, job.NodeID); err != nil {
			m.logger.Debug("orphaned job settled before requeue", "job_id", job.ID, "error", err)
			continue
		}
		requeued++
		m.logger.Warn("requeued job from dead node", "job_id", job.ID, "node_id", job.NodeID)
	}
	return requeued
}

// ReclaimNode returns every job RUNNING on nodeID to PENDING. It is called when a node
// opens a new session: jobs held by the previous session will never be reported.
// The caller triggers a sweep once the node can take work again.
func (m *Matchmaker) ReclaimNode(ctx context.Context, nodeID string) int {
	released, err := m.store.Jobs().ReleaseByNode(ctx, nodeID)
	if err != nil {
		m.logger.Error("failed to reclaim node jobs", "node_id", nodeID, "error", err)
		return 0
	}
	for _, id := range released {
		m.logger.Warn("requeued job from previous node session", "job_id", id, "node_id", nodeID)
	}
	return len(released)
}
