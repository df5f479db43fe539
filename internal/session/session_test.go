package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/gpuconnect/internal/auth"
	"github.com/narvanalabs/gpuconnect/internal/dispatch"
	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
	"github.com/narvanalabs/gpuconnect/internal/registry"
	"github.com/narvanalabs/gpuconnect/internal/scheduler"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/internal/store/memory"
	"github.com/narvanalabs/gpuconnect/internal/store/storetest"
	"github.com/narvanalabs/gpuconnect/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier maps raw tokens to owners.
type fakeVerifier map[string]string

func (f fakeVerifier) VerifyAgentToken(_ context.Context, raw string) (string, error) {
	if raw == "revoked" {
		return "", auth.ErrRevokedAgentToken
	}
	owner, ok := f[raw]
	if !ok {
		return "", auth.ErrInvalidAgentToken
	}
	return owner, nil
}

// gatedRegistry holds a registration after its upsert until release is closed, while
// gate is set.
type gatedRegistry struct {
	*registry.Registry
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) Register(ctx context.Context, reg registry.Registration) (*models.Node, error) {
	node, err := g.Registry.Register(ctx, reg)
	if g.gate.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return node, err
}

type testEnv struct {
	url      string
	store    store.Store
	registry *registry.Registry
	router   *dispatch.Router
	broker   *events.Broker
	matcher  *scheduler.Matchmaker
	mgr      *Manager
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()

	st := memory.New()
	reg := registry.New(st, registry.DefaultConfig(), nil)
	broker := events.NewBroker(nil)
	router := dispatch.NewRouter(ledger.New(st, nil, nil), broker, nil)
	// The matchmaker is never started; tests drive Match directly.
	matcher := scheduler.NewMatchmaker(st, reg, router, &config.SchedulerConfig{MaxJobsPerNode: 1}, nil)

	deps := Deps{
		Verifier: fakeVerifier{"tok-alice": "alice", "tok-bob": "bob"},
		Registry: reg,
		Router:   router,
		Events:   broker,
		Matcher:  matcher,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	mgr := NewManager(deps, &Config{
		PingInterval: time.Hour,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   8,
	}, nil)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if r.URL.Path == "/observer" {
			mgr.ServeObserver(r.Context(), conn, r.RemoteAddr, r.URL.Query().Get("owner"))
			return
		}
		mgr.ServeNode(r.Context(), conn, r.RemoteAddr)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		store:    st,
		registry: reg,
		router:   router,
		broker:   broker,
		matcher:  matcher,
		mgr:      mgr,
	}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		got, err := protocol.PeekType(data)
		require.NoError(t, err)
		if got == typ {
			require.NoError(t, json.Unmarshal(data, v))
			return
		}
	}
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.False(t, isTimeout(err), "connection was not closed: %v", err)
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

func register(t *testing.T, conn *websocket.Conn, nodeID, token string, caps ...string) {
	t.Helper()
	send(t, conn, protocol.Register{
		Type:         protocol.TypeRegister,
		NodeID:       nodeID,
		AuthToken:    token,
		Capabilities: caps,
	})
}

func TestNodeRegister(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/node")

	register(t, conn, "node-1", "tok-alice", "llama3")

	var ack protocol.Registered
	next(t, conn, protocol.TypeRegistered, &ack)
	assert.Equal(t, "node-1", ack.NodeID)
	assert.Equal(t, "alice", ack.Owner)

	require.Eventually(t, func() bool { return env.router.Connected("node-1") }, 2*time.Second, 10*time.Millisecond)

	node, err := env.store.Nodes().Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", node.OwnerID)
	assert.True(t, node.Active)
	assert.Equal(t, []string{"llama3"}, node.Capabilities)
}

func TestNodeRegister_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "unknown token", token: "nope", reason: "invalid token"},
		{name: "revoked token", token: "revoked", reason: "token revoked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.dial(t, "/node")

			register(t, conn, "node-1", tt.token, "llama3")

			var rej protocol.AuthError
			next(t, conn, protocol.TypeAuthError, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			expectClosed(t, conn)

			_, err := env.store.Nodes().Get(context.Background(), "node-1")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestNodeRegister_OwnerMismatch(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/node")
	register(t, first, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, first, protocol.TypeRegistered, &ack)

	second := env.dial(t, "/node")
	register(t, second, "node-1", "tok-bob", "llama3")
	var rej protocol.AuthError
	next(t, second, protocol.TypeAuthError, &rej)
	expectClosed(t, second)

	node, err := env.store.Nodes().Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", node.OwnerID)
	assert.True(t, env.router.Connected("node-1"))
}

func TestUnauthenticated_ProtocolErrorCloses(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "result before register", frame: `{"type":"job_result","job_id":"x","status":"success"}`},
		{name: "not json", frame: `hello`},
		{name: "missing type", frame: `{"node_id":"n"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.dial(t, "/node")

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			expectClosed(t, conn)
			require.Eventually(t, func() bool { return env.mgr.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestNode_MalformedFrameIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/node")

	register(t, conn, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, conn, protocol.TypeRegistered, &ack)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	send(t, conn, protocol.JobResult{Type: protocol.TypeJobResult, Status: "done"})
	send(t, conn, protocol.Ping())

	var pong protocol.Envelope
	next(t, conn, protocol.TypePong, &pong)
	assert.True(t, env.router.Connected("node-1"))
}

func TestNode_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/node")

	register(t, conn, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, conn, protocol.TypeRegistered, &ack)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		node, err := env.store.Nodes().Get(context.Background(), "node-1")
		return err == nil && !node.Active && !env.router.Connected("node-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ReconnectSurvivesOldSessionClose(t *testing.T) {
	env := newTestEnv(t)

	old := env.dial(t, "/node")
	register(t, old, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, old, protocol.TypeRegistered, &ack)

	fresh := env.dial(t, "/node")
	register(t, fresh, "node-1", "tok-alice", "llama3")
	next(t, fresh, protocol.TypeRegistered, &ack)

	require.NoError(t, old.Close())
	require.Eventually(t, func() bool { return env.mgr.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, env.router.Connected("node-1"))
	node, err := env.store.Nodes().Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.True(t, node.Active)
}

func TestNode_ReconnectReclaimsRunningJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := env.dial(t, "/node")
	register(t, old, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, old, protocol.TypeRegistered, &ack)

	job := storetest.NewJob("carol", "llama3")
	require.NoError(t, env.store.Jobs().Create(ctx, job))
	_, err := env.matcher.Match(ctx, job.ID)
	require.NoError(t, err)
	var dispatched protocol.JobDispatch
	next(t, old, protocol.TypeJobDispatch, &dispatched)

	// The agent drops its work and reconnects before the watchdog ticks.
	require.NoError(t, old.Close())
	require.Eventually(t, func() bool { return env.mgr.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)

	fresh := env.dial(t, "/node")
	register(t, fresh, "node-1", "tok-alice", "llama3")
	next(t, fresh, protocol.TypeRegistered, &ack)

	got, err := env.store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Empty(t, got.NodeID)

	node, err := env.matcher.Match(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)
	next(t, fresh, protocol.TypeJobDispatch, &dispatched)
	assert.Equal(t, job.ID, dispatched.JobID)
}

func TestNode_OldSessionCloseDuringReregistration(t *testing.T) {
	gated := &gatedRegistry{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, func(d *Deps) {
		gated.Registry = d.Registry.(*registry.Registry)
		d.Registry = gated
	})

	old := env.dial(t, "/node")
	register(t, old, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, old, protocol.TypeRegistered, &ack)

	// The fresh session stops right after its upsert marked the node active.
	gated.gate.Store(true)
	fresh := env.dial(t, "/node")
	register(t, fresh, "node-1", "tok-alice", "llama3")
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fresh registration did not reach the registry")
	}

	require.NoError(t, old.Close())
	time.Sleep(100 * time.Millisecond)
	gated.gate.Store(false)
	close(gated.release)

	next(t, fresh, protocol.TypeRegistered, &ack)
	require.Eventually(t, func() bool { return env.mgr.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, env.router.Connected("node-1"))
	node, err := env.store.Nodes().Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.True(t, node.Active, "old session deregistered the re-registered node")

	live, err := env.registry.LiveNodes(context.Background(), "llama3", env.registry.Cutoff())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "node-1", live[0].ID)
}

func TestObserver_ReceivesCapabilitiesAndJobUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	observer := env.dial(t, "/observer?owner=carol")
	var caps protocol.CapabilitiesUpdate
	next(t, observer, protocol.TypeCapabilitiesUpdate, &caps)
	assert.Empty(t, caps.Capabilities)

	node := env.dial(t, "/node")
	register(t, node, "node-1", "tok-alice", "llama3")
	var ack protocol.Registered
	next(t, node, protocol.TypeRegistered, &ack)

	next(t, observer, protocol.TypeCapabilitiesUpdate, &caps)
	assert.Equal(t, map[string]int{"llama3": 1}, caps.Capabilities)

	job := storetest.NewJob("carol", "llama3")
	require.NoError(t, env.store.Jobs().Create(ctx, job))
	require.NoError(t, env.store.Jobs().Assign(ctx, job.ID, "node-1", 1, time.Now()))

	send(t, node, protocol.JobResult{
		Type:   protocol.TypeJobResult,
		JobID:  job.ID,
		Status: protocol.ResultSuccess,
		Output: json.RawMessage(`{"text":"hi"}`),
	})

	var update protocol.JobUpdate
	next(t, observer, protocol.TypeJobUpdate, &update)
	assert.Equal(t, job.ID, update.JobID)
	assert.Equal(t, models.JobStatusCompleted.String(), update.Status)
	assert.Equal(t, "1.00", update.Cost)
	assert.JSONEq(t, `{"text":"hi"}`, string(update.Output))
}

func TestObserver_SubscribeCapabilities(t *testing.T) {
	env := newTestEnv(t)
	observer := env.dial(t, "/observer")

	var caps protocol.CapabilitiesUpdate
	next(t, observer, protocol.TypeCapabilitiesUpdate, &caps)

	send(t, observer, protocol.Envelope{Type: protocol.TypeSubscribeCapabilities})
	next(t, observer, protocol.TypeCapabilitiesUpdate, &caps)
	assert.NotNil(t, caps.Capabilities)
}

func TestSession_Send(t *testing.T) {
	mgr := NewManager(Deps{}, &Config{SendBuffer: 1}, nil)
	s := mgr.newSession(nil, "test", unauthenticatedHandler{})
	defer mgr.remove(s)

	require.NoError(t, s.Send(protocol.Ping()))
	assert.ErrorIs(t, s.Send(protocol.Ping()), ErrSendBufferFull)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Send(protocol.Ping()), ErrSessionClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "node", StateNode.String())
	assert.Equal(t, "observer", StateObserver.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
