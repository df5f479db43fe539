package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/gpuconnect/internal/api/middleware"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// TokenIssuer mints agent tokens.
type TokenIssuer interface {
	IssueAgentToken(ctx context.Context, userID, label string) (string, *models.AgentToken, error)
}

// AgentTokenHandler manages the credentials node agents register with.
type AgentTokenHandler struct {
	issuer TokenIssuer
	tokens store.AgentTokenStore
	logger *slog.Logger
}

// NewAgentTokenHandler creates a new agent token handler.
func NewAgentTokenHandler(issuer TokenIssuer, tokens store.AgentTokenStore, logger *slog.Logger) *AgentTokenHandler {
	return &AgentTokenHandler{issuer: issuer, tokens: tokens, logger: logger}
}

// CreateAgentTokenRequest is the body of POST /v1/agent-tokens.
type CreateAgentTokenRequest struct {
	Label string `json:"label"`
}

// CreateAgentTokenResponse carries the raw token. It is returned once and never stored.
type CreateAgentTokenResponse struct {
	Token string             `json:"token"`
	Info  *models.AgentToken `json:"info"`
}

// Create handles POST /v1/agent-tokens.
func (h *AgentTokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateAgentTokenRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			WriteBadRequest(w, r, "Invalid request body")
			return
		}
	}

	raw, token, err := h.issuer.IssueAgentToken(r.Context(), userID, req.Label)
	if err != nil {
		h.logger.Error("failed to issue agent token", "user_id", userID, "error", err)
		WriteInternalError(w, r, "Failed to issue agent token")
		return
	}

	h.logger.Info("agent token issued", "user_id", userID, "token_id", token.ID)
	WriteJSON(w, http.StatusCreated, CreateAgentTokenResponse{Token: raw, Info: token})
}

// List handles GET /v1/agent-tokens.
func (h *AgentTokenHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	tokens, err := h.tokens.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list agent tokens", "user_id", userID, "error", err)
		WriteInternalError(w, r, "Failed to list agent tokens")
		return
	}
	if tokens == nil {
		tokens = []*models.AgentToken{}
	}

	WriteJSON(w, http.StatusOK, tokens)
}

// Revoke handles DELETE /v1/agent-tokens/{tokenID}. Nodes already registered with the
// token keep their session; the next register attempt is rejected.
func (h *AgentTokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	tokenID := chi.URLParam(r, "tokenID")

	err := h.tokens.Revoke(r.Context(), tokenID, userID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "Agent token not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to revoke agent token", "token_id", tokenID, "error", err)
		WriteInternalError(w, r, "Failed to revoke agent token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
