package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/gpuconnect/internal/models"
)

// NodeDirectory is the registry's read side.
type NodeDirectory interface {
	Snapshot(ctx context.Context) ([]models.NodeView, error)
	CapabilitySummary(ctx context.Context) (map[string]int, error)
}

// NodeHandler handles node-related HTTP requests.
type NodeHandler struct {
	nodes  NodeDirectory
	logger *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(nodes NodeDirectory, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{
		nodes:  nodes,
		logger: logger,
	}
}

// List handles GET /v1/nodes - lists registered nodes with liveness and load.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", "error", err)
		WriteInternalError(w, r, "Failed to list nodes")
		return
	}

	if nodes == nil {
		nodes = []models.NodeView{}
	}

	WriteJSON(w, http.StatusOK, nodes)
}

// Capabilities handles GET /v1/capabilities - counts live providers per capability.
func (h *NodeHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	summary, err := h.nodes.CapabilitySummary(r.Context())
	if err != nil {
		h.logger.Error("failed to summarize capabilities", "error", err)
		WriteInternalError(w, r, "Failed to summarize capabilities")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"capabilities": summary})
}
