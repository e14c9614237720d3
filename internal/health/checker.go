// Package health probes the stores the relay depends on.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// Component describes one registered dependency.
type Component struct {
	Name string
	Type string // ticket_store, conversation_store, ...
	// Critical components turn the overall status unhealthy when they fail.
	Critical bool
	Probe    Probe
}

// ComponentStatus holds the result of probing one component.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Report represents the overall health of the system.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Version    string            `json:"version,omitempty"`
	Components []ComponentStatus `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	Provider string
	Model    string
	Version  string
	// Timeout bounds each probe.
	Timeout time.Duration
	// MaxLatency marks slower successful probes as degraded.
	MaxLatency time.Duration
	Now        func() time.Time
}

// Checker performs health checks on registered components.
type Checker struct {
	cfg        Config
	components []Component

	mu   sync.RWMutex
	last Report
}

// New creates a new health checker.
func New(cfg Config, components ...Component) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{cfg: cfg, components: components}
}

// Check runs every probe concurrently and returns the aggregated report.
func (c *Checker) Check(ctx context.Context) Report {
	results := make([]ComponentStatus, len(c.components))
	var wg sync.WaitGroup
	for i, comp := range c.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, comp)
		}()
	}
	wg.Wait()

	report := c.aggregate(results)
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report, or a healthy empty one before the
// first check.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Timestamp.IsZero() {
		return c.aggregate(nil)
	}
	return c.last
}

func (c *Checker) probe(ctx context.Context, comp Component) ComponentStatus {
	st := ComponentStatus{Name: comp.Name, Type: comp.Type, Timestamp: c.cfg.Now()}
	if comp.Probe == nil {
		st.Status = StatusHealthy
		st.Message = "Not configured"
		return st
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	start := time.Now()
	err := comp.Probe(pctx)
	latency := time.Since(start)
	st.LatencyMS = latency.Milliseconds()

	switch {
	case err != nil:
		st.Status = StatusUnhealthy
		st.Error = err.Error()
		st.Message = "Unreachable"
	case latency > c.cfg.MaxLatency:
		st.Status = StatusDegraded
		st.Message = fmt.Sprintf("High latency: %v", latency)
	default:
		st.Status = StatusHealthy
		st.Message = "Connected"
	}
	return st
}

func (c *Checker) aggregate(results []ComponentStatus) Report {
	overall := StatusHealthy
	for i, st := range results {
		switch st.Status {
		case StatusUnhealthy:
			if c.components[i].Critical {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	if results == nil {
		results = []ComponentStatus{}
	}
	return Report{
		Status:     overall,
		Timestamp:  c.cfg.Now(),
		Provider:   c.cfg.Provider,
		Model:      c.cfg.Model,
		Version:    c.cfg.Version,
		Components: results,
	}
}
