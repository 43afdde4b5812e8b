// Package health provides health check endpoints for rdma-app.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness (is the process running?)
//   - /health/ready: Readiness (is every registered check passing?)
//   - /health: Detailed status of every check
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "endpoint": {"status": "healthy", "message": "queue pair RTS"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks are not yet passing.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// CheckFunc reports the health of one component.
type CheckFunc func(ctx context.Context) Check

// DefaultCacheTTL is how long a computed status is reused.
const DefaultCacheTTL = time.Second

// Checker runs registered checks.
type Checker struct {
	cacheExpiry  time.Time
	funcs        map[string]CheckFunc
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker with no checks.
func NewChecker() *Checker {
	return &Checker{
		funcs:    make(map[string]CheckFunc),
		cacheTTL: DefaultCacheTTL,
	}
}

// SetCacheTTL changes how long results are cached. Zero disables caching.
func (c *Checker) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheTTL = ttl
	c.cachedStatus = nil
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.funcs[name] = fn
	c.cachedStatus = nil
}

// Check runs all registered checks in parallel and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	funcs := make(map[string]CheckFunc, len(c.funcs))
	for name, fn := range c.funcs {
		funcs[name] = fn
	}

	c.mu.RUnlock()

	checks := make(map[string]Check, len(funcs))

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	for name, fn := range funcs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := fn(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()
		}()
	}

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// IsReady reports whether at least one check is registered and all of them
// are healthy.
func (c *Checker) IsReady(ctx context.Context) bool {
	status := c.Check(ctx)

	return len(status.Checks) > 0 && status.Status == StatusHealthy
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles Kubernetes liveness requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK) // degraded is still reported as 200
	}

	_ = json.NewEncoder(w).Encode(status)
}
