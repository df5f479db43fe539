// Package auth provides authentication for API users, dashboard observers and node agents.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token has expired")
	ErrMissingClaims     = errors.New("missing required claims")
	ErrInvalidSignature  = errors.New("invalid token signature")
	ErrInvalidAgentToken = errors.New("invalid agent token")
	ErrRevokedAgentToken = errors.New("agent token has been revoked")
)

// AgentTokenPrefix identifies node agent credentials.
const AgentTokenPrefix = "gpc_"

// Claims represents the JWT claims structure.
type Claims struct {
	UserID string    `json:"user_id"`
	Email  string    `json:"email"`
	Exp    time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Service provides authentication and authorization functionality.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	tokens      store.AgentTokenStore
	logger      *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, tokens store.AgentTokenStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: cfg.TokenExpiry,
		tokens:      tokens,
		logger:      logger,
	}
}

// tokenClaims is the signed JWT payload. The subject is the user ID.
type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken creates a new JWT token for the given user.
func (s *Service) GenerateToken(userID, email string) (string, error) {
	if userID == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := tokenClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates an HS256 JWT and returns its claims. Tokens without an
// expiry or subject are rejected.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrInvalidSignature
	case err != nil:
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}

	return &Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		Exp:    claims.ExpiresAt.Time,
	}, nil
}

// VerifyAgentToken resolves a raw agent token to the user who owns it.
// Revoked and unknown tokens are rejected.
func (s *Service) VerifyAgentToken(ctx context.Context, raw string) (string, error) {
	if !strings.HasPrefix(raw, AgentTokenPrefix) || s.tokens == nil {
		return "", ErrInvalidAgentToken
	}

	stored, err := s.tokens.GetByHash(ctx, HashToken(raw))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("agent token lookup failed", "error", err)
		}
		return "", ErrInvalidAgentToken
	}
	if stored.Revoked() {
		return "", ErrRevokedAgentToken
	}

	return stored.UserID, nil
}

// IssueAgentToken creates a token for userID and returns the raw value with its record.
// The raw value is shown to the user once and never stored.
func (s *Service) IssueAgentToken(ctx context.Context, userID, label string) (string, *models.AgentToken, error) {
	if userID == "" {
		return "", nil, ErrMissingClaims
	}

	raw, err := GenerateAgentToken()
	if err != nil {
		return "", nil, err
	}

	token := &models.AgentToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     label,
		TokenHash: HashToken(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return "", nil, fmt.Errorf("storing agent token: %w", err)
	}

	return raw, token, nil
}

// GenerateAgentToken generates a new random agent token.
func GenerateAgentToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return AgentTokenPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashToken creates a SHA256 hash of a token for storage and lookup.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
