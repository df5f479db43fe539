// Package agent implements the reference node agent: it holds a WebSocket session with the
// broker, registers its capabilities and runs dispatched jobs on a local executor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/gpuconnect/internal/protocol"
)

// ErrRejected is returned by Run when the broker refuses the registration.
// Retrying with the same credentials would be refused again.
var ErrRejected = errors.New("registration rejected")

// Executor runs a job's payload for the given capability and returns its output.
type Executor interface {
	Execute(ctx context.Context, capability string, payload json.RawMessage) (json.RawMessage, error)
}

// Config holds configuration for the agent's broker connection.
type Config struct {
	// BrokerURL is the broker's node endpoint.
	BrokerURL    string
	NodeID       string
	AuthToken    string
	Name         string
	Capabilities []string
	// Metadata is declared at registration, e.g. the platform.
	Metadata json.RawMessage

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// ReadTimeout is how long the agent waits for any frame. The broker pings more often.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InitialBackoff is the first reconnect delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:         "ws://localhost:8080/ws/computing",
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Agent is a node agent.
type Agent struct {
	config   *Config
	executor Executor
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// New creates a new agent.
func New(config *Config, executor Executor, logger *slog.Logger) *Agent {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		config:   config,
		executor: executor,
		dialer:   &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:   logger.With("node_id", config.NodeID),
	}
}

// Run connects to the broker and serves jobs until ctx is done, reconnecting with
// exponential backoff. The backoff resets after every successful registration.
// It returns nil on ctx cancellation and ErrRejected if the broker refuses the node.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.config.InitialBackoff

	for {
		registered, err := a.serve(ctx)
		if errors.Is(err, ErrRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = a.config.InitialBackoff
		}

		a.logger.Warn("broker connection lost",
			"error", err,
			"retry_in", backoff,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * a.config.BackoffMultiplier)
		if backoff > a.config.MaxBackoff {
			backoff = a.config.MaxBackoff
		}
	}
}

// conn serializes writes to the WebSocket. Job goroutines and the read loop share it.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *conn) send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// serve runs one broker session. It reports whether the node got registered.
func (a *Agent) serve(ctx context.Context) (bool, error) {
	ws, _, err := a.dialer.DialContext(ctx, a.config.BrokerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing broker: %w", err)
	}
	c := &conn{ws: ws, writeTimeout: a.config.WriteTimeout}

	jobCtx, cancelJobs := context.WithCancel(ctx)
	var jobs sync.WaitGroup
	defer func() {
		cancelJobs()
		_ = ws.Close()
		jobs.Wait()
	}()

	// Unblock ReadMessage when ctx is done.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(a.config.WriteTimeout))
			_ = ws.Close()
		case <-stop:
		}
	}()

	a.logger.Info("connected to broker", "url", a.config.BrokerURL)

	err = c.send(&protocol.Register{
		Type:         protocol.TypeRegister,
		NodeID:       a.config.NodeID,
		AuthToken:    a.config.AuthToken,
		Name:         a.config.Name,
		Capabilities: a.config.Capabilities,
		Metadata:     a.config.Metadata,
	})
	if err != nil {
		return false, fmt.Errorf("sending register: %w", err)
	}

	registered := false
	for {
		_ = ws.SetReadDeadline(time.Now().Add(a.config.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return registered, fmt.Errorf("reading from broker: %w", err)
		}

		msgType, err := protocol.PeekType(data)
		if err != nil {
			a.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}

		switch msgType {
		case protocol.TypeRegistered:
			var ack protocol.Registered
			if err := protocol.Decode(data, &ack); err != nil {
				return registered, err
			}
			registered = true
			a.logger.Info("node registered", "owner", ack.Owner)

		case protocol.TypeAuthError:
			var rejection protocol.AuthError
			_ = protocol.Decode(data, &rejection)
			a.logger.Error("broker rejected registration", "reason", rejection.Reason)
			return registered, fmt.Errorf("%w: %s", ErrRejected, rejection.Reason)

		case protocol.TypePing:
			if err := c.send(protocol.Pong()); err != nil {
				return registered, fmt.Errorf("sending pong: %w", err)
			}

		case protocol.TypeJobDispatch:
			var dispatch protocol.JobDispatch
			if err := protocol.Decode(data, &dispatch); err != nil || dispatch.JobID == "" {
				a.logger.Warn("ignoring malformed dispatch", "error", err)
				continue
			}
			jobs.Add(1)
			go func() {
				defer jobs.Done()
				a.runJob(jobCtx, c, &dispatch)
			}()

		case protocol.TypePong:
		default:
			a.logger.Debug("ignoring frame", "type", msgType)
		}
	}
}

// runJob executes a dispatched job and reports its result.
func (a *Agent) runJob(ctx context.Context, c *conn, dispatch *protocol.JobDispatch) {
	logger := a.logger.With("job_id", dispatch.JobID, "capability", dispatch.Capability)
	logger.Info("executing job")
	start := time.Now()

	result := &protocol.JobResult{
		Type:  protocol.TypeJobResult,
		JobID: dispatch.JobID,
	}

	output, err := a.executor.Execute(ctx, dispatch.Capability, dispatch.Payload)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("job abandoned", "error", err)
			return
		}
		logger.Error("job failed", "error", err, "duration", time.Since(start))
		result.Status = protocol.ResultFailed
		result.Error = err.Error()
	} else {
		logger.Info("job completed", "duration", time.Since(start))
		result.Status = protocol.ResultSuccess
		result.Output = output
	}

	if err := c.send(result); err != nil {
		logger.Warn("failed to report job result", "error", err)
	}
}
