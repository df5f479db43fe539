// Package registry tracks which nodes are known, who owns them, what they serve and
// whether they are live.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// Registry errors.
var (
	// ErrOwnerMismatch is returned when a node id is registered by a user who does not own it.
	ErrOwnerMismatch = store.ErrOwnerMismatch
	// ErrInvalidRegistration is returned for a registration without id or capabilities.
	ErrInvalidRegistration = errors.New("registration requires a node id and at least one capability")
)

// Registration is what a node declares when it registers. OwnerID comes from the
// authenticated session, never from the node.
type Registration struct {
	NodeID       string
	OwnerID      string
	Name         string
	Capabilities []string
	Metadata     json.RawMessage
}

// Config holds registry configuration.
type Config struct {
	// LivenessCutoff is the maximum heartbeat age of a live node.
	LivenessCutoff time.Duration
	// ReapInterval controls how often stale nodes are persisted as inactive.
	ReapInterval time.Duration
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		LivenessCutoff: 30 * time.Second,
		ReapInterval:   time.Minute,
	}
}

// Registry is the view of known nodes. State lives in the store; the registry adds
// liveness rules and registration notifications on top.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	cutoff       time.Duration
	reapInterval time.Duration

	mu        sync.RWMutex
	listeners []func(*models.Node)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Registry backed by st.
func New(st store.Store, cfg *Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Registry{
		store:        st,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		cutoff:       cfg.LivenessCutoff,
		reapInterval: cfg.ReapInterval,
		stopChan:     make(chan struct{}),
	}
}

// Cutoff returns the configured liveness cutoff.
func (r *Registry) Cutoff() time.Duration {
	return r.cutoff
}

// OnRegister adds a callback run after every successful registration.
func (r *Registry) OnRegister(fn func(*models.Node)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register upserts a node, marks it active and replaces its capability set.
// Registering an id owned by someone else fails with ErrOwnerMismatch.
func (r *Registry) Register(ctx context.Context, reg Registration) (*models.Node, error) {
	caps := normalizeCapabilities(reg.Capabilities)
	if strings.TrimSpace(reg.NodeID) == "" || reg.OwnerID == "" || len(caps) == 0 {
		return nil, ErrInvalidRegistration
	}

	node := &models.Node{
		ID:            reg.NodeID,
		OwnerID:       reg.OwnerID,
		Name:          reg.Name,
		Capabilities:  caps,
		Metadata:      reg.Metadata,
		LastHeartbeat: r.now(),
	}
	if node.Name == "" {
		node.Name = reg.NodeID
	}

	if err := r.store.Nodes().Upsert(ctx, node); err != nil {
		if errors.Is(err, store.ErrOwnerMismatch) {
			return nil, ErrOwnerMismatch
		}
		return nil, fmt.Errorf("registering node: %w", err)
	}

	r.logger.Info("node registered",
		"node_id", node.ID,
		"owner_id", node.OwnerID,
		"capabilities", node.Capabilities,
	)

	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(node)
	}

	return node, nil
}

// Heartbeat refreshes a node's last heartbeat. Unknown nodes are ignored.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	err := r.store.Nodes().Touch(ctx, nodeID, r.now())
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("heartbeat for unknown node", "node_id", nodeID)
		return nil
	}
	return err
}

// Deregister marks a node inactive. It is best effort: failures are logged and
// the liveness cutoff excludes the node eventually anyway.
func (r *Registry) Deregister(ctx context.Context, nodeID string) {
	err := r.store.Nodes().SetActive(ctx, nodeID, false)
	switch {
	case err == nil:
		r.logger.Info("node deregistered", "node_id", nodeID)
	case errors.Is(err, store.ErrNotFound):
		r.logger.Debug("deregister for unknown node", "node_id", nodeID)
	default:
		r.logger.Warn("failed to deregister node", "node_id", nodeID, "error", err)
	}
}

// LiveNodes returns active nodes serving capability whose heartbeat is within cutoff.
// Nodes that stopped heartbeating are excluded even if never deregistered.
func (r *Registry) LiveNodes(ctx context.Context, capability string, cutoff time.Duration) ([]*models.Node, error) {
	nodes, err := r.store.Nodes().ListLive(ctx, capability, r.now().Add(-cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing live nodes: %w", err)
	}
	return nodes, nil
}

// CapabilitySummary counts live providers per capability.
func (r *Registry) CapabilitySummary(ctx context.Context) (map[string]int, error) {
	nodes, err := r.LiveNodes(ctx, "", r.cutoff)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]int)
	for _, n := range nodes {
		for _, c := range n.Capabilities {
			summary[c]++
		}
	}
	return summary, nil
}

// Snapshot returns every known node with its computed liveness and current load.
func (r *Registry) Snapshot(ctx context.Context) ([]models.NodeView, error) {
	nodes, err := r.store.Nodes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	counts, err := r.store.Jobs().RunningCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting running jobs: %w", err)
	}

	now := r.now()
	views := make([]models.NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, models.NodeView{
			Node:        n,
			Live:        n.IsLive(now, r.cutoff),
			RunningJobs: counts[n.ID],
		})
	}
	return views, nil
}

// StartReaper starts the loop that persists stale nodes as inactive.
func (r *Registry) StartReaper(ctx context.Context) {
	r.wg.Add(1)
	go r.reapLoop(ctx)
}

// Stop stops the reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Registry) reapLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("node reaper stopped by context")
			return
		case <-r.stopChan:
			r.logger.Info("node reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Registry) reap(ctx context.Context) {
	n, err := r.store.Nodes().DeactivateStale(ctx, r.now().Add(-r.cutoff))
	if err != nil {
		r.logger.Warn("failed to deactivate stale nodes", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("deactivated stale nodes", "count", n)
	}
}

// normalizeCapabilities trims, drops empties and de-duplicates, keeping a stable order.
func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
