package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/pagerender/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the outcome of a single check.
type HealthCheck struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Critical bool                   `json:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc is a function that implements HealthChecker
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(name string, critical bool, checkFn func(ctx context.Context) HealthCheck) *HealthCheckFunc {
	return &HealthCheckFunc{name: name, checkFn: checkFn, critical: critical}
}

// Check executes the health check function
func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck {
	return h.checkFn(ctx)
}

// Name returns the health check name
func (h *HealthCheckFunc) Name() string {
	return h.name
}

// IsCritical returns whether this check is critical
func (h *HealthCheckFunc) IsCritical() bool {
	return h.critical
}

// HealthResponse is the body served on the health endpoint.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []HealthCheck `json:"checks"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	checks  map[string]HealthChecker
	mutex   sync.RWMutex
	logger  logging.Logger
	timeout time.Duration
	started time.Time
	version string
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logging.Logger, version string) *HealthMonitor {
	return &HealthMonitor{
		checks:  make(map[string]HealthChecker),
		logger:  logger.WithComponent("health_monitor"),
		timeout: 5 * time.Second,
		started: time.Now(),
		version: version,
	}
}

// RegisterCheck registers a health check
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.checks[checker.Name()] = checker
}

// Evaluate runs every check. A failing critical check makes the whole
// response unhealthy; a failing non-critical one only degrades it.
func (hm *HealthMonitor) Evaluate(ctx context.Context) HealthResponse {
	hm.mutex.RLock()
	checkers := make([]HealthChecker, 0, len(hm.checks))
	for _, c := range hm.checks {
		checkers = append(checkers, c)
	}
	hm.mutex.RUnlock()

	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.started),
		Checks:    make([]HealthCheck, 0, len(checkers)),
	}

	for _, checker := range checkers {
		start := time.Now()
		result := checker.Check(ctx)
		result.Name = checker.Name()
		result.Critical = checker.IsCritical()
		result.Duration = time.Since(start)

		if result.Status != HealthStatusHealthy {
			hm.logger.Warn(ctx, nil, "Health check failing", "check", result.Name, "status", result.Status, "message", result.Message)
			switch {
			case result.Critical:
				resp.Status = HealthStatusUnhealthy
			case resp.Status == HealthStatusHealthy:
				resp.Status = HealthStatusDegraded
			}
		}
		resp.Checks = append(resp.Checks, result)
	}

	return resp
}

// Handler serves Evaluate as JSON, with 503 when unhealthy.
func (hm *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := hm.Evaluate(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if resp.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	})
}
