// Package health provides health check functionality for API components.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Stats      map[string]int             `json:"stats,omitempty"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

type component struct {
	name   string
	pinger Pinger
	// required components make the service unhealthy when they fail; others degrade it.
	required bool
}

// Checker performs health checks across registered components.
type Checker struct {
	startTime time.Time
	version   string

	mu         sync.RWMutex
	timeout    time.Duration
	components []component
	stats      map[string]func() int
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
		stats:     make(map[string]func() int),
	}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Require registers a component whose failure makes the service unhealthy.
func (c *Checker) Require(name string, p Pinger) {
	c.add(component{name: name, pinger: p, required: true})
}

// Optional registers a component whose failure only degrades the service.
func (c *Checker) Optional(name string, p Pinger) {
	c.add(component{name: name, pinger: p})
}

func (c *Checker) add(comp component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, comp)
}

// Stat registers a counter reported alongside component status.
func (c *Checker) Stat(name string, fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[name] = fn
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	components := append([]component(nil), c.components...)
	stats := make(map[string]int, len(c.stats))
	for name, fn := range c.stats {
		stats[name] = fn()
	}
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sort.Slice(components, func(i, j int) bool { return components[i].name < components[j].name })

	results := make(map[string]ComponentStatus, len(components))
	overall := StatusHealthy
	for _, comp := range components {
		status := checkComponent(checkCtx, comp)
		results[comp.name] = status

		switch {
		case status.Status == StatusUnhealthy && comp.required:
			overall = StatusUnhealthy
		case status.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return &Response{
		Status:     overall,
		Components: results,
		Stats:      stats,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

func checkComponent(ctx context.Context, comp component) ComponentStatus {
	if comp.pinger == nil {
		return ComponentStatus{Status: StatusUnhealthy, Message: comp.name + " not configured"}
	}
	if err := comp.pinger.Ping(ctx); err != nil {
		return ComponentStatus{Status: StatusUnhealthy, Message: comp.name + " ping failed: " + err.Error()}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "connected"}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
