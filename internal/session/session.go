// Package session runs one WebSocket connection: authentication, role dispatch,
// heartbeats and ordered writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/gpuconnect/internal/events"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
)

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when the peer is not draining its outbound queue.
	ErrSendBufferFull = errors.New("session send buffer full")

	errProtocol = errors.New("protocol violation")
)

// State is the role a session currently plays.
type State int

const (
	StateUnauthenticated State = iota
	StateNode
	StateObserver
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateNode:
		return "node"
	case StateObserver:
		return "observer"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected peer. Frames are read by a single goroutine, so they are
// handled in receipt order; writes are queued and flushed by a single writer.
type Session struct {
	ID string

	conn   Conn
	mgr    *Manager
	logger *slog.Logger

	outbox   chan []byte
	quit     chan struct{}
	quitOnce sync.Once

	mu      sync.Mutex
	handler handler
	nodeID  string
	sub     *events.Subscriber
	remote  string
}

// State returns the current role.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.state()
}

// Send queues a frame. It never blocks: a closed session returns ErrSessionClosed and a
// full queue returns ErrSendBufferFull.
func (s *Session) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- data:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the session. Queued frames are flushed before the connection closes.
func (s *Session) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) setHandler(h handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) current() handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// run reads frames until the peer disconnects, a protocol error occurs or the session
// reaches StateClosed.
func (s *Session) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	defer func() {
		s.Close()
		<-writerDone
	}()
	defer s.finish(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session handler panic",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	cfg := s.mgr.cfg
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("peer closed connection")
				} else {
					s.logger.Info("session read ended", "error", err)
				}
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		next, err := s.current().handle(ctx, s, data)
		if err != nil {
			s.logger.Warn("closing session", "state", s.State(), "error", err)
			s.setHandler(closedHandler{})
			return
		}
		s.setHandler(next)
		if next.state() == StateClosed {
			return
		}
	}
}

// finish releases what the session holds in the registry, router and broker.
func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	nodeID, sub := s.nodeID, s.sub
	s.handler = closedHandler{}
	s.mu.Unlock()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if nodeID != "" {
		unlock := s.mgr.lockNode(nodeID)
		detached := s.mgr.router.Detach(nodeID, s)
		if detached {
			s.mgr.registry.Deregister(cleanupCtx, nodeID)
		}
		unlock()
		if detached {
			s.mgr.broadcastCapabilities(cleanupCtx)
		}
	}
	if sub != nil {
		s.mgr.events.Unsubscribe(sub)
	}
	s.mgr.remove(s)
	s.logger.Info("session closed")
}

func (s *Session) writeLoop() {
	cfg := s.mgr.cfg
	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()
	defer s.conn.Close()

	pingFrame, _ := protocol.Encode(protocol.Ping())

	for {
		select {
		case data := <-s.outbox:
			if err := s.write(data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.Close()
				return
			}
		case <-ping.C:
			if err := s.write(pingFrame); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.Close()
				return
			}
		case <-s.quit:
			s.flush()
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.outbox:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
