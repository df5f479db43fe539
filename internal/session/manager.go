package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/gpuconnect/internal/dispatch"
	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
	"github.com/narvanalabs/gpuconnect/internal/registry"
)

// CredentialVerifier resolves an agent token to the owning user.
type CredentialVerifier interface {
	VerifyAgentToken(ctx context.Context, raw string) (string, error)
}

// NodeRegistry is the registry as seen by sessions.
type NodeRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (*models.Node, error)
	Heartbeat(ctx context.Context, nodeID string) error
	Deregister(ctx context.Context, nodeID string)
	CapabilitySummary(ctx context.Context) (map[string]int, error)
}

// Router binds node ids to sessions and settles their results.
type Router interface {
	Attach(nodeID string, s dispatch.Sender)
	Detach(nodeID string, s dispatch.Sender) bool
	HandleResult(ctx context.Context, nodeID, nodeOwner string, res *protocol.JobResult) error
}

// Broker fans out observer notifications.
type Broker interface {
	Subscribe(ownerID string) *events.Subscriber
	Unsubscribe(sub *events.Subscriber)
	Publish(ev events.Event)
}

// Matcher is the matchmaker as seen by sessions.
type Matcher interface {
	Trigger()
	// ReclaimNode requeues the jobs a node's previous session was running.
	ReclaimNode(ctx context.Context, nodeID string) int
}

// FailureLimiter throttles repeated failed registrations from one address.
type FailureLimiter interface {
	Blocked(ctx context.Context, id string) (bool, error)
	RecordFailure(ctx context.Context, id string) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Verifier CredentialVerifier
	Registry NodeRegistry
	Router   Router
	Events   Broker
	// Matcher is optional.
	Matcher Matcher
	// Limiter is optional.
	Limiter FailureLimiter
}

// Config holds session timing.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   32,
	}
}

// Manager creates sessions and tracks the live ones.
type Manager struct {
	verifier CredentialVerifier
	registry NodeRegistry
	router   Router
	events   Broker
	matcher  Matcher
	limiter  FailureLimiter
	cfg      Config
	logger   *slog.Logger

	// nodeLocks serialize attaching and detaching sessions of the same node id.
	nodeLocks [64]sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a new session Manager.
func NewManager(deps Deps, cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Manager{
		verifier: deps.Verifier,
		registry: deps.Registry,
		router:   deps.Router,
		events:   deps.Events,
		matcher:  deps.Matcher,
		limiter:  deps.Limiter,
		cfg:      *cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// ServeNode runs an unauthenticated node session until it closes.
func (m *Manager) ServeNode(ctx context.Context, conn Conn, remote string) {
	s := m.newSession(conn, remote, unauthenticatedHandler{})
	s.run(ctx)
}

// ServeObserver runs a read-only observer session until it closes. ownerID may be empty,
// in which case the observer receives capability updates only.
func (m *Manager) ServeObserver(ctx context.Context, conn Conn, remote, ownerID string) {
	s := m.newSession(conn, remote, observerHandler{})

	sub := m.events.Subscribe(ownerID)
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	go m.forward(s, sub)
	m.sendCapabilities(ctx, s)

	s.run(ctx)
}

func (m *Manager) newSession(conn Conn, remote string, initial handler) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		conn:    conn,
		mgr:     m,
		logger:  m.logger.With("session_id", id, "remote", remote),
		outbox:  make(chan []byte, m.cfg.SendBuffer),
		quit:    make(chan struct{}),
		handler: initial,
		remote:  remote,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.wg.Add(1)

	s.logger.Info("session opened", "state", initial.state())
	return s
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if ok {
		m.wg.Done()
	}
}

// ActiveSessions returns the number of open sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits for them to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authenticate returns the token owner, or a rejection reason.
func (m *Manager) authenticate(ctx context.Context, remote, token string) (string, string) {
	if m.limiter != nil {
		blocked, err := m.limiter.Blocked(ctx, remote)
		if err != nil {
			m.logger.Warn("registration limiter unavailable", "error", err)
		} else if blocked {
			return "", "too many failed registrations"
		}
	}

	owner, err := m.verifier.VerifyAgentToken(ctx, token)
	if err != nil {
		m.recordFailure(ctx, remote)
		return "", rejectionReason(err)
	}
	return owner, ""
}

func (m *Manager) recordFailure(ctx context.Context, remote string) {
	if m.limiter == nil {
		return
	}
	if err := m.limiter.RecordFailure(ctx, remote); err != nil {
		m.logger.Warn("failed to record registration failure", "error", err)
	}
}

// lockNode locks the stripe for nodeID and returns its unlock function.
func (m *Manager) lockNode(nodeID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	mu := &m.nodeLocks[h.Sum32()%uint32(len(m.nodeLocks))]
	mu.Lock()
	return mu.Unlock
}

// reclaim requeues jobs still RUNNING on a node that just opened a new session.
func (m *Manager) reclaim(ctx context.Context, nodeID string) {
	if m.matcher != nil {
		m.matcher.ReclaimNode(ctx, nodeID)
	}
}

// nodeAttached runs once a node session can receive jobs.
func (m *Manager) nodeAttached(ctx context.Context) {
	if m.matcher != nil {
		m.matcher.Trigger()
	}
	m.broadcastCapabilities(ctx)
}

func (m *Manager) broadcastCapabilities(ctx context.Context) {
	summary, err := m.registry.CapabilitySummary(ctx)
	if err != nil {
		m.logger.Warn("failed to summarize capabilities", "error", err)
		return
	}
	m.events.Publish(events.Event{Kind: events.KindCapabilities, Payload: summary})
}

func (m *Manager) sendCapabilities(ctx context.Context, s *Session) {
	summary, err := m.registry.CapabilitySummary(ctx)
	if err != nil {
		s.logger.Warn("failed to summarize capabilities", "error", err)
		return
	}
	if err := s.Send(protocol.NewCapabilitiesUpdate(summary)); err != nil {
		s.logger.Debug("failed to send capabilities", "error", err)
	}
}

// forward relays broker events to an observer until the subscription is closed.
func (m *Manager) forward(s *Session, sub *events.Subscriber) {
	for ev := range sub.Ch {
		var msg any
		switch ev.Kind {
		case events.KindJobUpdate:
			job, ok := ev.Payload.(*models.Job)
			if !ok {
				continue
			}
			msg = protocol.NewJobUpdate(job)
		case events.KindCapabilities:
			summary, ok := ev.Payload.(map[string]int)
			if !ok {
				continue
			}
			msg = protocol.NewCapabilitiesUpdate(summary)
		default:
			continue
		}

		if err := s.Send(msg); err != nil {
			s.logger.Debug("dropping observer event", "kind", ev.Kind, "error", err)
		}
	}
}
