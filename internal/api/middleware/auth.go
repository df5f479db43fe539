package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/gpuconnect/internal/api/errors"
	"github.com/narvanalabs/gpuconnect/internal/auth"
)

// Context keys for user information.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// UserEmailKey is the context key for the authenticated user email.
	UserEmailKey contextKey = "user_email"
)

// GetUserID extracts the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserEmail extracts the user email from the request context.
func GetUserEmail(ctx context.Context) string {
	if v, ok := ctx.Value(UserEmailKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserEmailKey, email)
}

// TokenValidator validates user JWTs.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthMiddleware handles JWT authentication.
type AuthMiddleware struct {
	validator TokenValidator
	logger    *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(validator TokenValidator, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{validator: validator, logger: logger}
}

// Authenticate requires a valid bearer JWT.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		m.serve(w, r, next, token)
	})
}

// OptionalQuery reads a JWT from the token query parameter, since browsers cannot set
// headers on WebSocket upgrades. Requests without a token pass through anonymously; a
// token that is present must be valid.
func (m *AuthMiddleware) OptionalQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = auth.ExtractBearerToken(r.Header.Get("Authorization"))
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		m.serve(w, r, next, token)
	})
}

func (m *AuthMiddleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	if token == "" {
		apierrors.WriteError(w, apierrors.NewUnauthorizedError("Missing authentication"))
		return
	}

	claims, err := m.validator.ValidateToken(token)
	if err != nil {
		m.logger.Debug("JWT validation failed", "error", err)
		if errors.Is(err, auth.ErrExpiredToken) {
			apierrors.WriteError(w, apierrors.NewUnauthorizedError("Token has expired"))
			return
		}
		apierrors.WriteError(w, apierrors.NewUnauthorizedError("Invalid token"))
		return
	}

	next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.UserID, claims.Email)))
}
