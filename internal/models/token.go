package models

import "time"

// AgentToken is a credential a node agent presents when registering.
// Only the SHA-256 hash of the raw token is stored.
type AgentToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Label     string     `json:"label,omitempty"`
	TokenHash string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *AgentToken) Revoked() bool {
	return t.RevokedAt != nil
}
