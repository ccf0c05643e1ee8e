// Package health aggregates liveness checks for the fleet processes.
// A process is healthy only when every registered check passes; the
// gateway exposes the aggregate on its introspection surface.
package health

import (
	"context"
	"sync"
	"time"
)

// Status classifies a check outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of all registered checks.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Registry holds the process's health checks.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check runs every registered checker. The report is healthy only when
// all checks are.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checkers))}
	for _, c := range checkers {
		result := c.Check(ctx)
		if result.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}
