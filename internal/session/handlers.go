package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/narvanalabs/gpuconnect/internal/auth"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
	"github.com/narvanalabs/gpuconnect/internal/registry"
)

// handler processes frames for one state and returns the handler for the next state.
// A returned error is a protocol error and closes the session.
type handler interface {
	state() State
	handle(ctx context.Context, s *Session, data []byte) (handler, error)
}

// unauthenticatedHandler accepts exactly one message: register.
type unauthenticatedHandler struct{}

func (unauthenticatedHandler) state() State { return StateUnauthenticated }

func (h unauthenticatedHandler) handle(ctx context.Context, s *Session, data []byte) (handler, error) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return nil, err
	}
	if typ != protocol.TypeRegister {
		return nil, fmt.Errorf("%w: %q before register", errProtocol, typ)
	}

	var msg protocol.Register
	if err := protocol.Decode(data, &msg); err != nil {
		return nil, err
	}

	owner, reason := s.mgr.authenticate(ctx, s.remote, msg.AuthToken)
	if reason != "" {
		return h.reject(s, msg.NodeID, reason), nil
	}

	// Registration and attachment happen under the node lock, so a previous session
	// of this node cannot deregister it in between.
	unlock := s.mgr.lockNode(msg.NodeID)
	node, err := s.mgr.registry.Register(ctx, registry.Registration{
		NodeID:       msg.NodeID,
		OwnerID:      owner,
		Name:         msg.Name,
		Capabilities: msg.Capabilities,
		Metadata:     msg.Metadata,
	})
	if err == nil {
		s.mgr.router.Attach(node.ID, s)
	}
	unlock()

	switch {
	case errors.Is(err, registry.ErrOwnerMismatch):
		s.mgr.recordFailure(ctx, s.remote)
		return h.reject(s, msg.NodeID, "node id is registered to another account"), nil
	case errors.Is(err, registry.ErrInvalidRegistration):
		return h.reject(s, msg.NodeID, err.Error()), nil
	case err != nil:
		s.logger.Error("registration failed", "node_id", msg.NodeID, "error", err)
		return h.reject(s, msg.NodeID, "registration failed"), nil
	}

	s.mu.Lock()
	s.nodeID = node.ID
	s.mu.Unlock()

	s.mgr.reclaim(ctx, node.ID)
	if err := s.Send(protocol.NewRegistered(node.ID, owner)); err != nil {
		return nil, err
	}
	s.mgr.nodeAttached(ctx)
	s.logger.Info("node session established", "node_id", node.ID, "owner_id", owner)

	return nodeHandler{nodeID: node.ID, ownerID: owner}, nil
}

func (unauthenticatedHandler) reject(s *Session, nodeID, reason string) handler {
	s.logger.Warn("registration rejected", "node_id", nodeID, "reason", reason)
	if err := s.Send(protocol.NewAuthError(reason)); err != nil {
		s.logger.Debug("failed to send auth_error", "error", err)
	}
	return closedHandler{}
}

// nodeHandler serves an authenticated node. Any frame counts as a heartbeat.
type nodeHandler struct {
	nodeID  string
	ownerID string
}

func (nodeHandler) state() State { return StateNode }

func (h nodeHandler) handle(ctx context.Context, s *Session, data []byte) (handler, error) {
	if err := s.mgr.registry.Heartbeat(ctx, h.nodeID); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
	}

	typ, err := protocol.PeekType(data)
	if err != nil {
		s.logger.Warn("ignoring malformed frame", "error", err)
		return h, nil
	}

	switch typ {
	case protocol.TypePong:
	case protocol.TypePing:
		if err := s.Send(protocol.Pong()); err != nil {
			s.logger.Debug("failed to answer ping", "error", err)
		}
	case protocol.TypeJobResult:
		var res protocol.JobResult
		if err := protocol.Decode(data, &res); err != nil {
			s.logger.Warn("ignoring malformed job_result", "error", err)
			return h, nil
		}
		if err := res.Validate(); err != nil {
			s.logger.Warn("ignoring invalid job_result", "error", err)
			return h, nil
		}
		if err := s.mgr.router.HandleResult(ctx, h.nodeID, h.ownerID, &res); err != nil {
			s.logger.Error("failed to settle job result", "job_id", res.JobID, "error", err)
		}
	case protocol.TypeRegister:
		s.logger.Warn("ignoring register on an already registered session")
	default:
		s.logger.Debug("ignoring unknown message type", "type", typ)
	}
	return h, nil
}

// observerHandler serves a read-only dashboard session.
type observerHandler struct{}

func (observerHandler) state() State { return StateObserver }

func (h observerHandler) handle(ctx context.Context, s *Session, data []byte) (handler, error) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		s.logger.Debug("ignoring malformed frame", "error", err)
		return h, nil
	}

	switch typ {
	case protocol.TypePong:
	case protocol.TypePing:
		_ = s.Send(protocol.Pong())
	case protocol.TypeSubscribeCapabilities:
		s.mgr.sendCapabilities(ctx, s)
	default:
		s.logger.Debug("ignoring unknown message type", "type", typ)
	}
	return h, nil
}

// closedHandler is terminal.
type closedHandler struct{}

func (closedHandler) state() State { return StateClosed }

func (h closedHandler) handle(context.Context, *Session, []byte) (handler, error) {
	return h, ErrSessionClosed
}

// rejectionReason maps a credential error onto the auth_error reason sent to the peer.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrRevokedAgentToken):
		return "token revoked"
	case errors.Is(err, auth.ErrInvalidAgentToken):
		return "invalid token"
	default:
		return "authentication failed"
	}
}
