// Package protocol defines the JSON messages exchanged with nodes and observers over
// WebSocket. Every frame is a flat object carrying a "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/narvanalabs/gpuconnect/internal/models"
)

// MessageType identifies a frame.
type MessageType string

const (
	// Node → server
	TypeRegister  MessageType = "register"
	TypeJobResult MessageType = "job_result"

	// Server → node
	TypeRegistered  MessageType = "registered"
	TypeAuthError   MessageType = "auth_error"
	TypeJobDispatch MessageType = "job_dispatch"

	// Both directions
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Server → observer
	TypeCapabilitiesUpdate MessageType = "capabilities_update"
	TypeJobUpdate          MessageType = "job_update"

	// Observer → server
	TypeSubscribeCapabilities MessageType = "subscribe_capabilities"
)

// ResultStatus is the outcome a node reports for a job.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Envelope carries only the frame type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Register is the first message a node sends.
type Register struct {
	Type         MessageType     `json:"type"`
	NodeID       string          `json:"node_id"`
	AuthToken    string          `json:"auth_token"`
	Name         string          `json:"name,omitempty"`
	Capabilities []string        `json:"capabilities"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	Type   MessageType `json:"type"`
	NodeID string      `json:"node_id"`
	Owner  string      `json:"owner"`
}

// AuthError rejects a registration. The server closes the connection after sending it.
type AuthError struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

// JobDispatch hands a job to a node.
type JobDispatch struct {
	Type       MessageType     `json:"type"`
	JobID      string          `json:"job_id"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// JobResult reports a job outcome. Output is set on success, Error on failure.
type JobResult struct {
	Type   MessageType     `json:"type"`
	JobID  string          `json:"job_id"`
	Status ResultStatus    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Validate checks that the result names a job and a known status.
func (r *JobResult) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("%w: job_result without job_id", ErrMalformed)
	}
	if r.Status != ResultSuccess && r.Status != ResultFailed {
		return fmt.Errorf("%w: job_result status %q", ErrMalformed, r.Status)
	}
	return nil
}

// CapabilitiesUpdate lists live provider counts per capability.
type CapabilitiesUpdate struct {
	Type         MessageType    `json:"type"`
	Capabilities map[string]int `json:"capabilities"`
}

// JobUpdate notifies a job owner that their job settled.
type JobUpdate struct {
	Type   MessageType     `json:"type"`
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Cost   string          `json:"cost,omitempty"`
}

// NewRegistered builds a registered frame.
func NewRegistered(nodeID, owner string) *Registered {
	return &Registered{Type: TypeRegistered, NodeID: nodeID, Owner: owner}
}

// NewAuthError builds an auth_error frame.
func NewAuthError(reason string) *AuthError {
	return &AuthError{Type: TypeAuthError, Reason: reason}
}

// NewJobDispatch builds a job_dispatch frame.
func NewJobDispatch(jobID, capability string, payload json.RawMessage) *JobDispatch {
	return &JobDispatch{Type: TypeJobDispatch, JobID: jobID, Capability: capability, Payload: payload}
}

// NewCapabilitiesUpdate builds a capabilities_update frame.
func NewCapabilitiesUpdate(summary map[string]int) *CapabilitiesUpdate {
	if summary == nil {
		summary = map[string]int{}
	}
	return &CapabilitiesUpdate{Type: TypeCapabilitiesUpdate, Capabilities: summary}
}

// Ping builds a ping frame.
func Ping() *Envelope { return &Envelope{Type: TypePing} }

// Pong builds a pong frame.
func Pong() *Envelope { return &Envelope{Type: TypePong} }

// Encode serializes a frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// PeekType reads the type of a raw frame without decoding the rest.
func PeekType(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// Decode unmarshals a raw frame into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// NewJobUpdate builds a job_update frame from a settled job.
func NewJobUpdate(job *models.Job) *JobUpdate {
	update := &JobUpdate{
		Type:   TypeJobUpdate,
		JobID:  job.ID,
		Status: job.Status.String(),
		Output: job.Result,
		Error:  job.Error,
	}
	if job.Status == models.JobStatusCompleted {
		update.Cost = job.Cost.StringFixed(2)
	}
	return update
}
