package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/internal/store/memory"
	"github.com/narvanalabs/gpuconnect/internal/store/storetest"
)

// fakeSender records frames, or fails every send with err.
type fakeSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeSender) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

// mapCache is an in-process Cache.
type mapCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{values: map[string][]byte{}}
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mapCache) Ping(ctx context.Context) error { return nil }
func (c *mapCache) Close() error                   { return nil }

func (c *mapCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 0, nil
}

type fixture struct {
	store  store.Store
	router *Router
	broker *events.Broker
	cache  *mapCache
}

func newFixture() *fixture {
	st := memory.New()
	broker := events.NewBroker(nil)
	r := NewRouter(ledger.New(st, nil, nil), broker, nil)
	c := newMapCache()
	r.SetCache(c, time.Hour)
	return &fixture{store: st, router: r, broker: broker, cache: c}
}

// assigned creates a job for owner bob RUNNING on node n1 owned by alice.
func (f *fixture) assigned(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Nodes().Upsert(ctx, storetest.NewNode("n1", "alice", "llama3")); err != nil {
		t.Fatal(err)
	}
	job := storetest.NewJob("bob", "llama3")
	if err := f.store.Jobs().Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Jobs().Assign(ctx, job.ID, "n1", 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	job.NodeID = "n1"
	return job
}

func TestDeliver(t *testing.T) {
	f := newFixture()
	job := f.assigned(t)

	if err := f.router.Deliver(context.Background(), job); !errors.Is(err, ErrNodeNotConnected) {
		t.Fatalf("Deliver() without session error = %v, want ErrNodeNotConnected", err)
	}

	sender := &fakeSender{}
	f.router.Attach("n1", sender)
	if err := f.router.Deliver(context.Background(), job); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sender.sent))
	}
	dispatch, ok := sender.sent[0].(*protocol.JobDispatch)
	if !ok || dispatch.JobID != job.ID || dispatch.Capability != "llama3" {
		t.Errorf("frame = %#v", sender.sent[0])
	}
	if _, ok := f.cache.values["job:"+job.ID]; ok {
		t.Error("running job was cached")
	}

	closed := errors.New("closed")
	f.router.Attach("n1", &fakeSender{err: closed})
	if err := f.router.Deliver(context.Background(), job); !errors.Is(err, closed) {
		t.Errorf("Deliver() on closed session error = %v, want wrapped send error", err)
	}
}

func TestDetach_KeepsNewerSession(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	old, fresh := &fakeSender{}, &fakeSender{}

	r.Attach("n1", old)
	r.Attach("n1", fresh)

	if r.Detach("n1", old) {
		t.Error("detaching the replaced session must not remove the mapping")
	}
	if !r.Connected("n1") {
		t.Fatal("node should still be connected through its newer session")
	}
	if !r.Detach("n1", fresh) {
		t.Error("detaching the current session should remove the mapping")
	}
	if r.Connected("n1") || r.ConnectedCount() != 0 {
		t.Error("node should be disconnected")
	}
}

func TestHandleResult_PublishesOnceToOwner(t *testing.T) {
	f := newFixture()
	job := f.assigned(t)
	ctx := context.Background()

	bob := f.broker.Subscribe("bob")
	alice := f.broker.Subscribe("alice")

	res := &protocol.JobResult{JobID: job.ID, Status: protocol.ResultSuccess, Output: json.RawMessage(`"hi"`)}
	for i := 0; i < 3; i++ {
		if err := f.router.HandleResult(ctx, "n1", "alice", res); err != nil {
			t.Fatalf("HandleResult() error = %v", err)
		}
	}

	if got := len(bob.Ch); got != 1 {
		t.Fatalf("owner received %d updates, want 1", got)
	}
	if got := len(alice.Ch); got != 0 {
		t.Errorf("provider received %d updates, want 0", got)
	}
	ev := <-bob.Ch
	settled, ok := ev.Payload.(*models.Job)
	if !ok || settled.Status != models.JobStatusCompleted || string(settled.Result) != `"hi"` {
		t.Errorf("payload = %#v", ev.Payload)
	}

	var cached models.Job
	if err := json.Unmarshal(f.cache.values["job:"+job.ID], &cached); err != nil || cached.ID != job.ID {
		t.Errorf("cached job = %+v, err %v", cached, err)
	}
}

func TestHandleResult_FailureAndUnknown(t *testing.T) {
	f := newFixture()
	job := f.assigned(t)
	ctx := context.Background()

	if err := f.router.HandleResult(ctx, "n1", "alice", &protocol.JobResult{JobID: "ghost", Status: protocol.ResultSuccess}); err != nil {
		t.Errorf("unknown job should be ignored, got %v", err)
	}

	res := &protocol.JobResult{JobID: job.ID, Status: protocol.ResultFailed, Error: "model not loaded"}
	if err := f.router.HandleResult(ctx, "n1", "alice", res); err != nil {
		t.Fatal(err)
	}
	stored, err := f.store.Jobs().Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.JobStatusFailed || stored.Error != "model not loaded" {
		t.Errorf("job = %+v, want FAILED with error", stored)
	}

	bad := &protocol.JobResult{JobID: job.ID, Status: "maybe"}
	if err := f.router.HandleResult(ctx, "n1", "alice", bad); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("bad status error = %v, want ErrMalformed", err)
	}
}
