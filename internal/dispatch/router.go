// Package dispatch delivers jobs to node sessions and routes their results to settlement.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/cache"
	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
)

// ErrNodeNotConnected is returned when a job targets a node without a live session.
var ErrNodeNotConnected = errors.New("node has no live session")

// Sender is the outbound half of a session.
type Sender interface {
	Send(msg any) error
}

// Settler finalizes jobs.
type Settler interface {
	Complete(ctx context.Context, jobID string, result json.RawMessage, nodeID, nodeOwner string) (ledger.Outcome, error)
	Fail(ctx context.Context, jobID, errMsg, nodeID string) (ledger.Outcome, error)
}

// Publisher fans out notifications.
type Publisher interface {
	Publish(ev events.Event)
}

// Router maps node ids to their live sessions.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]Sender

	settler Settler
	events  Publisher
	logger  *slog.Logger

	cache    cache.Cache
	cacheTTL time.Duration
}

// NewRouter creates a Router.
func NewRouter(settler Settler, publisher Publisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions: make(map[string]Sender),
		settler:  settler,
		events:   publisher,
		logger:   logger,
	}
}

// SetCache enables caching of job status and settled jobs.
func (r *Router) SetCache(c cache.Cache, ttl time.Duration) {
	r.cache = c
	r.cacheTTL = ttl
}

// Attach binds nodeID to s, replacing any earlier session of the same node.
func (r *Router) Attach(nodeID string, s Sender) {
	r.mu.Lock()
	_, replaced := r.sessions[nodeID]
	r.sessions[nodeID] = s
	r.mu.Unlock()

	r.logger.Debug("session attached", "node_id", nodeID, "replaced", replaced)
}

// Detach removes nodeID only if it is still bound to s, so a stale session closing late
// cannot evict the node's newer session. It reports whether a mapping was removed.
func (r *Router) Detach(nodeID string, s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[nodeID]; ok && current == s {
		delete(r.sessions, nodeID)
		return true
	}
	return false
}

// Connected reports whether nodeID has a live session.
func (r *Router) Connected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[nodeID]
	return ok
}

// ConnectedCount returns the number of attached node sessions.
func (r *Router) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Deliver sends job_dispatch for job to its assigned node.
func (r *Router) Deliver(ctx context.Context, job *models.Job) error {
	r.mu.RLock()
	s, ok := r.sessions[job.NodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeNotConnected
	}

	if err := s.Send(protocol.NewJobDispatch(job.ID, job.Capability, job.Payload)); err != nil {
		return fmt.Errorf("sending job to node %s: %w", job.NodeID, err)
	}

	r.logger.Info("job dispatched", "job_id", job.ID, "node_id", job.NodeID, "capability", job.Capability)
	return nil
}

// HandleResult settles a result reported by nodeID. Duplicates and results for jobs the
// node does not hold are ignored. Unknown jobs are logged and ignored.
func (r *Router) HandleResult(ctx context.Context, nodeID, nodeOwner string, res *protocol.JobResult) error {
	var (
		outcome ledger.Outcome
		err     error
	)
	switch res.Status {
	case protocol.ResultSuccess:
		outcome, err = r.settler.Complete(ctx, res.JobID, res.Output, nodeID, nodeOwner)
	case protocol.ResultFailed:
		outcome, err = r.settler.Fail(ctx, res.JobID, res.Error, nodeID)
	default:
		return fmt.Errorf("%w: result status %q", protocol.ErrMalformed, res.Status)
	}

	if errors.Is(err, ledger.ErrJobNotFound) {
		r.logger.Warn("result for unknown job", "job_id", res.JobID, "node_id", nodeID)
		return nil
	}
	if err != nil {
		return err
	}
	if !outcome.Applied {
		r.logger.Debug("result ignored", "job_id", res.JobID, "node_id", nodeID)
		return nil
	}

	job := outcome.Job
	r.events.Publish(events.Event{
		Kind:    events.KindJobUpdate,
		OwnerID: job.OwnerID,
		Payload: job,
	})
	r.cacheJob(ctx, job)
	return nil
}

// cacheJob stores a settled job. Terminal jobs never change, so the entry stays valid
// for its whole TTL.
func (r *Router) cacheJob(ctx context.Context, job *models.Job) {
	if r.cache == nil {
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		r.logger.Warn("failed to encode job for cache", "job_id", job.ID, "error", err)
		return
	}
	if err := r.cache.Set(ctx, cache.JobKey(job.ID), data, r.cacheTTL); err != nil {
		r.logger.Warn("failed to cache job", "job_id", job.ID, "error", err)
	}
}
