package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/narvanalabs/gpuconnect/internal/api/middleware"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/shopspring/decimal"
)

// Accounts is the ledger's read side.
type Accounts interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Entries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
}

// WalletHandler reports balances and ledger history.
type WalletHandler struct {
	accounts Accounts
	logger   *slog.Logger
}

// NewWalletHandler creates a new wallet handler.
func NewWalletHandler(accounts Accounts, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{accounts: accounts, logger: logger}
}

// WalletResponse is the body of GET /v1/wallet.
type WalletResponse struct {
	Balance decimal.Decimal       `json:"balance"`
	Entries []*models.LedgerEntry `json:"entries"`
}

// Get handles GET /v1/wallet?limit=N.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			WriteBadRequest(w, r, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	balance, err := h.accounts.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get balance", "user_id", userID, "error", err)
		WriteInternalError(w, r, "Failed to get wallet")
		return
	}

	entries, err := h.accounts.Entries(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list ledger entries", "user_id", userID, "error", err)
		WriteInternalError(w, r, "Failed to get wallet")
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}

	WriteJSON(w, http.StatusOK, WalletResponse{Balance: balance, Entries: entries})
}
