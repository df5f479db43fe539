package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/gpuconnect/internal/api/middleware"
	"github.com/narvanalabs/gpuconnect/internal/session"
)

// Sessions runs WebSocket sessions.
type Sessions interface {
	ServeNode(ctx context.Context, conn session.Conn, remote string)
	ServeObserver(ctx context.Context, conn session.Conn, remote, ownerID string)
}

// StreamHandler upgrades node and dashboard connections.
type StreamHandler struct {
	sessions Sessions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions Sessions, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Computing handles GET /ws/computing. Nodes authenticate inside the session with their
// agent token.
func (h *StreamHandler) Computing(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	h.sessions.ServeNode(r.Context(), conn, r.RemoteAddr)
}

// Dashboard handles GET /ws/dashboard. Anonymous observers only see capability
// summaries; an authenticated one also sees settlements of its own jobs.
func (h *StreamHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	h.sessions.ServeObserver(r.Context(), conn, r.RemoteAddr, userID)
}
