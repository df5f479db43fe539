package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/gpuconnect/internal/dispatch"
	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
	"github.com/narvanalabs/gpuconnect/internal/registry"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/internal/store/memory"
	"github.com/narvanalabs/gpuconnect/internal/store/storetest"
	"github.com/narvanalabs/gpuconnect/pkg/config"
)

// recorder is a node session that records dispatched jobs.
type recorder struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (r *recorder) Send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if d, ok := msg.(*protocol.JobDispatch); ok {
		r.jobs = append(r.jobs, d.JobID)
	}
	return nil
}

type harness struct {
	store    store.Store
	registry *registry.Registry
	router   *dispatch.Router
	mm       *Matchmaker
}

func newHarness(maxPerNode int) *harness {
	st := memory.New()
	reg := registry.New(st, registry.DefaultConfig(), nil)
	router := dispatch.NewRouter(ledger.New(st, nil, nil), events.NewBroker(nil), nil)
	cfg := &config.SchedulerConfig{
		SweepInterval:    10 * time.Millisecond,
		MaxSweepInterval: 80 * time.Millisecond,
		SweepBatchSize:   100,
		MaxJobsPerNode:   maxPerNode,
		RequeueOrphaned:  true,
		WatchdogInterval: 10 * time.Millisecond,
	}
	return &harness{
		store:    st,
		registry: reg,
		router:   router,
		mm:       NewMatchmaker(st, reg, router, cfg, nil),
	}
}

// connect registers a node and attaches a session for it.
func (h *harness) connect(t testing.TB, nodeID, owner string, caps ...string) *recorder {
	t.Helper()
	if _, err := h.registry.Register(context.Background(), registry.Registration{
		NodeID: nodeID, OwnerID: owner, Capabilities: caps,
	}); err != nil {
		t.Fatalf("register %s: %v", nodeID, err)
	}
	rec := &recorder{}
	h.router.Attach(nodeID, rec)
	return rec
}

func (h *harness) submit(t testing.TB, owner, capability string) *models.Job {
	t.Helper()
	job := storetest.NewJob(owner, capability)
	if err := h.store.Jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (h *harness) job(t testing.TB, id string) *models.Job {
	t.Helper()
	job, err := h.store.Jobs().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestMatch_AssignsToLiveNode(t *testing.T) {
	h := newHarness(1)
	rec := h.connect(t, "N", "A", "modelX")
	job := h.submit(t, "B", "modelX")

	node, err := h.mm.Match(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if node.ID != "N" {
		t.Errorf("matched %s, want N", node.ID)
	}

	got := h.job(t, job.ID)
	if got.Status != models.JobStatusRunning || got.NodeID != "N" {
		t.Errorf("job = %s on %q, want RUNNING on N", got.Status, got.NodeID)
	}
	if len(rec.jobs) != 1 || rec.jobs[0] != job.ID {
		t.Errorf("node received %v, want [%s]", rec.jobs, job.ID)
	}

	if _, err := h.mm.Match(context.Background(), job.ID); !errors.Is(err, ErrJobNotPending) {
		t.Errorf("second Match() error = %v, want ErrJobNotPending", err)
	}
}

func TestMatch_ExcludesSelfDealing(t *testing.T) {
	h := newHarness(1)
	rec := h.connect(t, "N", "A", "modelX")
	job := h.submit(t, "A", "modelX")

	if _, err := h.mm.Match(context.Background(), job.ID); !errors.Is(err, ErrNoEligibleNodes) {
		t.Fatalf("Match() error = %v, want ErrNoEligibleNodes", err)
	}
	if got := h.job(t, job.ID); got.Status != models.JobStatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if len(rec.jobs) != 0 {
		t.Errorf("own node received %v", rec.jobs)
	}
}

func TestMatch_SkipsIneligibleNode(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, rec *recorder)
	}{
		{
			// Active and attached, but silent for longer than the cutoff.
			name: "stale heartbeat",
			setup: func(t *testing.T, h *harness, _ *recorder) {
				stale := time.Now().UTC().Add(-2 * h.registry.Cutoff())
				if err := h.store.Nodes().Touch(context.Background(), "N", stale); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			// Attached with a fresh heartbeat, but marked inactive.
			name: "deregistered",
			setup: func(t *testing.T, h *harness, _ *recorder) {
				h.registry.Deregister(context.Background(), "N")
			},
		},
		{
			// Live in the registry, but without a session to deliver to.
			name: "detached",
			setup: func(t *testing.T, h *harness, rec *recorder) {
				h.router.Detach("N", rec)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(1)
			rec := h.connect(t, "N", "A", "modelX")
			tt.setup(t, h, rec)

			job := h.submit(t, "B", "modelX")
			if _, err := h.mm.Match(context.Background(), job.ID); !errors.Is(err, ErrNoEligibleNodes) {
				t.Fatalf("Match() error = %v, want ErrNoEligibleNodes", err)
			}
			if got := h.job(t, job.ID); got.Status != models.JobStatusPending {
				t.Errorf("status = %s, want PENDING", got.Status)
			}
			if len(rec.jobs) != 0 {
				t.Errorf("ineligible node received %v", rec.jobs)
			}
		})
	}
}

func TestMatch_DispatchFailureFallsBack(t *testing.T) {
	h := newHarness(1)
	broken := h.connect(t, "a-broken", "A", "modelX")
	broken.err = errors.New("session closed")
	healthy := h.connect(t, "b-healthy", "C", "modelX")

	// Make the broken node rank first.
	if err := h.registry.Heartbeat(context.Background(), "a-broken"); err != nil {
		t.Fatal(err)
	}

	job := h.submit(t, "B", "modelX")
	node, err := h.mm.Match(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if node.ID != "b-healthy" || len(healthy.jobs) != 1 {
		t.Errorf("matched %s, healthy received %v", node.ID, healthy.jobs)
	}
}

func TestMatch_DispatchFailureWithoutFallbackLeavesPending(t *testing.T) {
	h := newHarness(1)
	broken := h.connect(t, "N", "A", "modelX")
	broken.err = errors.New("session closed")

	job := h.submit(t, "B", "modelX")
	if _, err := h.mm.Match(context.Background(), job.ID); !errors.Is(err, ErrNoEligibleNodes) {
		t.Fatalf("Match() error = %v, want ErrNoEligibleNodes", err)
	}
	got := h.job(t, job.ID)
	if got.Status != models.JobStatusPending || got.NodeID != "" {
		t.Errorf("job = %s on %q, want PENDING and unassigned", got.Status, got.NodeID)
	}
}

func TestMatch_RespectsCapacity(t *testing.T) {
	h := newHarness(1)
	h.connect(t, "N", "A", "modelX")
	first := h.submit(t, "B", "modelX")
	second := h.submit(t, "B", "modelX")

	if _, err := h.mm.Match(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mm.Match(context.Background(), second.ID); !errors.Is(err, ErrNoEligibleNodes) {
		t.Errorf("Match() on busy node error = %v, want ErrNoEligibleNodes", err)
	}
}

func TestRank(t *testing.T) {
	now := time.Now()
	nodes := []*models.Node{
		{ID: "c", LastHeartbeat: now},
		{ID: "b", LastHeartbeat: now},
		{ID: "a", LastHeartbeat: now.Add(-time.Second)},
		{ID: "busy", LastHeartbeat: now.Add(time.Second)},
	}
	rank(nodes, map[string]int{"busy": 1})

	var order []string
	for _, n := range nodes {
		order = append(order, n.ID)
	}
	want := []string{"b", "c", "a", "busy"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("rank order = %v, want %v", order, want)
	}
}

func TestNextInterval(t *testing.T) {
	base, ceiling := time.Second, 5*time.Second

	tests := []struct {
		current time.Duration
		matched int
		want    time.Duration
	}{
		{current: time.Second, matched: 0, want: 2 * time.Second},
		{current: 4 * time.Second, matched: 0, want: 5 * time.Second},
		{current: 5 * time.Second, matched: 0, want: 5 * time.Second},
		{current: 5 * time.Second, matched: 3, want: time.Second},
	}
	for _, tt := range tests {
		if got := nextInterval(tt.current, tt.matched, base, ceiling); got != tt.want {
			t.Errorf("nextInterval(%v, %d) = %v, want %v", tt.current, tt.matched, got, tt.want)
		}
	}
}

func TestRequeueOrphaned(t *testing.T) {
	h := newHarness(1)
	rec := h.connect(t, "N", "A", "modelX")
	job := h.submit(t, "B", "modelX")
	if _, err := h.mm.Match(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	if n := h.mm.RequeueOrphaned(context.Background()); n != 0 {
		t.Fatalf("requeued %d jobs from a live node", n)
	}

	h.registry.Deregister(context.Background(), "N")
	h.router.Detach("N", rec)
	if n := h.mm.RequeueOrphaned(context.Background()); n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	got := h.job(t, job.ID)
	if got.Status != models.JobStatusPending || got.NodeID != "" {
		t.Errorf("job = %s on %q, want PENDING and unassigned", got.Status, got.NodeID)
	}
}

// A node that reconnects before the watchdog notices it is never stale or inactive, so
// only ReclaimNode frees the jobs its previous session held.
func TestReclaimNode(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()
	old := h.connect(t, "N", "A", "modelX")
	first := h.submit(t, "B", "modelX")
	if _, err := h.mm.Match(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	h.router.Detach("N", old)
	h.registry.Deregister(ctx, "N")
	fresh := h.connect(t, "N", "A", "modelX")

	if n := h.mm.RequeueOrphaned(ctx); n != 0 {
		t.Fatalf("watchdog requeued %d jobs from a live node", n)
	}
	if n := h.mm.ReclaimNode(ctx, "N"); n != 1 {
		t.Fatalf("ReclaimNode() = %d, want 1", n)
	}
	if got := h.job(t, first.ID); got.Status != models.JobStatusPending || got.NodeID != "" {
		t.Errorf("job = %s on %q, want PENDING and unassigned", got.Status, got.NodeID)
	}

	second := h.submit(t, "B", "modelX")
	for _, id := range []string{first.ID, second.ID} {
		if _, err := h.mm.Match(ctx, id); err != nil && !errors.Is(err, ErrNoEligibleNodes) {
			t.Fatalf("Match(%s) error = %v", id, err)
		}
	}
	if len(fresh.jobs) != 1 || fresh.jobs[0] != first.ID {
		t.Errorf("reconnected node received %v, want [%s]", fresh.jobs, first.ID)
	}
}

func TestStart_TriggerMatchesNewNode(t *testing.T) {
	h := newHarness(1)
	h.registry.OnRegister(h.mm.NodeRegistered)
	job := h.submit(t, "B", "modelX")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mm.Start(ctx)
	defer h.mm.Stop()

	h.connect(t, "N", "A", "modelX")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.job(t, job.ID).Status == models.JobStatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job still %s after node registration", h.job(t, job.ID).Status)
}

// **Feature: gpuconnect, Property 3: No self-dealing**
// Whatever mix of owners holds the live nodes, a job is never assigned to a node of its
// own submitter.
func TestProperty_NoSelfDealing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	owners := []string{"alice", "bob", "carol"}
	properties.Property("assigned node owner differs from job owner", prop.ForAll(
		func(nodeOwners []int, submitter int) bool {
			h := newHarness(1)
			for i, o := range nodeOwners {
				h.connect(t, fmt.Sprintf("n%d", i), owners[o], "modelX")
			}
			job := h.submit(t, owners[submitter], "modelX")

			node, err := h.mm.Match(context.Background(), job.ID)
			if errors.Is(err, ErrNoEligibleNodes) {
				for _, o := range nodeOwners {
					if o != submitter {
						return false
					}
				}
				return h.job(t, job.ID).Status == models.JobStatusPending
			}
			if err != nil {
				return false
			}
			return node.OwnerID != owners[submitter]
		},
		gen.SliceOfN(4, gen.IntRange(0, 2)),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

// **Feature: gpuconnect, Property 4: Capacity is never exceeded**
// Concurrent matching never leaves a node with more RUNNING jobs than its limit.
func TestProperty_CapacityUnderConcurrency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("running per node stays within limit", prop.ForAll(
		func(nodes, jobs, limit int) bool {
			h := newHarness(limit)
			for i := 0; i < nodes; i++ {
				h.connect(t, fmt.Sprintf("n%d", i), fmt.Sprintf("owner%d", i), "modelX")
			}
			var ids []string
			for i := 0; i < jobs; i++ {
				ids = append(ids, h.submit(t, "submitter", "modelX").ID)
			}

			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, _ = h.mm.Match(context.Background(), id)
				}(id)
			}
			wg.Wait()

			counts, err := h.store.Jobs().RunningCounts(context.Background())
			if err != nil {
				return false
			}
			total := 0
			for _, c := range counts {
				if c > limit {
					return false
				}
				total += c
			}
			want := jobs
			if nodes*limit < want {
				want = nodes * limit
			}
			return total == want
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 10),
		gen.IntRange(1, 2),
	))

	properties.TestingRun(t)
}
