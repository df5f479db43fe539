package models

import (
	"encoding/json"
	"slices"
	"time"
)

// Node represents a remote worker that serves one or more capabilities over a live session.
type Node struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Name          string          `json:"name,omitempty"`
	Capabilities  []string        `json:"capabilities"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Active        bool            `json:"active"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

// HasCapability reports whether the node declares the named capability.
func (n *Node) HasCapability(capability string) bool {
	return slices.Contains(n.Capabilities, capability)
}

// IsLive reports whether the node is active and heartbeated within cutoff of now.
func (n *Node) IsLive(now time.Time, cutoff time.Duration) bool {
	return n.Active && !n.LastHeartbeat.Before(now.Add(-cutoff))
}

// NodeView is a node as reported to dashboards, with liveness and load computed at read time.
type NodeView struct {
	*Node
	Live        bool `json:"live"`
	RunningJobs int  `json:"running_jobs"`
}
