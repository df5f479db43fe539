package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyPrompt is returned when a payload carries no prompt.
var ErrEmptyPrompt = errors.New("payload has no prompt")

// GeneratePayload is the job payload the Ollama executor understands.
type GeneratePayload struct {
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Stream  bool           `json:"stream"`
}

type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	EvalCount     int    `json:"eval_count"`
	TotalDuration int64  `json:"total_duration"`
}

// GenerateOutput is the job output the Ollama executor reports.
type GenerateOutput struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// OllamaExecutor runs jobs on a local Ollama server. The job's capability names the model.
type OllamaExecutor struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewOllamaExecutor creates an executor for the Ollama server at baseURL.
func NewOllamaExecutor(baseURL string, timeout time.Duration) *OllamaExecutor {
	return &OllamaExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Execute sends the payload's prompt to /api/generate without streaming.
func (e *OllamaExecutor) Execute(ctx context.Context, capability string, payload json.RawMessage) (json.RawMessage, error) {
	var p GeneratePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
	}
	if p.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	body, err := json.Marshal(generateRequest{
		Model:   capability,
		Prompt:  p.Prompt,
		System:  p.System,
		Options: p.Options,
		Stream:  false,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("inference timed out after %s", e.timeout)
		}
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}

	out, err := json.Marshal(GenerateOutput{
		Model:     gen.Model,
		Response:  gen.Response,
		EvalCount: gen.EvalCount,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return out, nil
}

// Models lists the models the Ollama server has pulled.
func (e *OllamaExecutor) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
