package api

import (
	"sort"
	"time"

	"github.com/algorand/go-deadlock"
)

// HealthStatus is the health of a component or of the whole node.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the last observed health of one component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth aggregates every component.
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// Checker probes one component. A nil error is healthy; ErrDegraded (or an
// error wrapping it) is degraded.
type Checker func() error

// HealthChecker runs registered component checks.
type HealthChecker struct {
	mu         deadlock.Mutex
	components map[string]*ComponentHealth
	checkers   map[string]Checker
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker reporting version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checkers:   make(map[string]Checker),
		startTime:  time.Now(),
		version:    version,
	}
}

// RegisterComponent adds a component with its probe.
func (hc *HealthChecker) RegisterComponent(name string, check Checker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "registered",
		LastCheck: time.Now(),
	}
	hc.checkers[name] = check
}

// CheckHealth probes every component and returns the aggregate.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))
	for name, c := range hc.components {
		if check := hc.checkers[name]; check != nil {
			start := time.Now()
			err := check()
			c.Latency = time.Since(start)
			c.LastCheck = time.Now()
			switch {
			case err == nil:
				c.Status, c.Message = Healthy, "OK"
			case isDegraded(err):
				c.Status, c.Message = Degraded, err.Error()
			default:
				c.Status, c.Message = Unhealthy, err.Error()
			}
		}
		if c.Status == Unhealthy {
			overall = Unhealthy
		} else if c.Status == Degraded && overall == Healthy {
			overall = Degraded
		}
		components = append(components, *c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// HealthResponse is the body served on /health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Data    *SystemHealth `json:"data,omitempty"`
}

func newHealthResponse(h *SystemHealth) *HealthResponse {
	switch h.OverallStatus {
	case Unhealthy:
		return &HealthResponse{Status: "error", Message: "node is unhealthy", Data: h}
	case Degraded:
		return &HealthResponse{Status: "warning", Message: "node is degraded", Data: h}
	}
	return &HealthResponse{Status: "success", Message: "node is healthy", Data: h}
}
