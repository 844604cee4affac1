// Package health reports whether the alerter's store and price feed are working.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"stock-alerter/internal/feed"
	"stock-alerter/internal/metrics"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

// SystemHealth represents overall health.
type SystemHealth struct {
	Status        Status            `json:"status"`
	Uptime        time.Duration     `json:"uptime"`
	StartTime     time.Time         `json:"start_time"`
	Components    []ComponentHealth `json:"components"`
	Goroutines    int               `json:"goroutines"`
	MemoryAllocMB uint64            `json:"memory_alloc_mb"`
}

// Monitor runs registered checks on demand.
type Monitor struct {
	mu         sync.RWMutex
	components map[string]Check
	timeout    time.Duration
	startTime  time.Time
	now        func() time.Time
}

// NewMonitor creates a Monitor. Each round of checks is bounded by timeout.
func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		components: make(map[string]Check),
		timeout:    timeout,
		startTime:  time.Now(),
		now:        time.Now,
	}
}

// Register adds a check under name, replacing any previous one.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every registered check concurrently and aggregates the result.
// Unknown components do not affect the overall status.
func (m *Monitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]Check, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c Check) {
			defer wg.Done()
			results <- m.run(ctx, n, c)
		}(name, check)
	}
	wg.Wait()
	close(results)

	health := SystemHealth{
		Status:     StatusHealthy,
		Uptime:     m.now().Sub(m.startTime),
		StartTime:  m.startTime,
		Goroutines: runtime.NumGoroutine(),
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	health.MemoryAllocMB = memStats.Alloc / 1024 / 1024

	for c := range results {
		health.Components = append(health.Components, c)
		switch c.Status {
		case StatusUnhealthy:
			health.Status = StatusUnhealthy
		case StatusDegraded:
			if health.Status == StatusHealthy {
				health.Status = StatusDegraded
			}
		}
	}
	sort.Slice(health.Components, func(i, j int) bool {
		return health.Components[i].Name < health.Components[j].Name
	})
	return health
}

func (m *Monitor) run(ctx context.Context, name string, check Check) (h ComponentHealth) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("health").Inc()
			h = ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		h.Name = name
		h.LastCheck = m.now()
		if h.Latency == 0 {
			h.Latency = h.LastCheck.Sub(start)
		}
	}()
	return check(ctx)
}

// Handler serves the aggregated health as JSON. Degraded still answers 200.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// LivenessHandler answers 200 as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}

// DatabaseCheck reports the store unhealthy when ping fails and degraded when
// it takes longer than slow.
func DatabaseCheck(ping func(ctx context.Context) error, slow time.Duration) Check {
	return func(ctx context.Context) ComponentHealth {
		var health ComponentHealth

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		switch {
		case err != nil:
			health.Status = StatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
		case health.Latency > slow:
			health.Status = StatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
		default:
			health.Status = StatusHealthy
			health.Message = "Database reachable"
		}
		return health
	}
}

// FeedCheck reports on the most recent polling round. A round older than
// maxAge is degraded; a round where every fetch failed is unhealthy.
func FeedCheck(last func() (time.Time, feed.TickReport), maxAge time.Duration) Check {
	return func(ctx context.Context) ComponentHealth {
		at, report := last()
		if at.IsZero() {
			return ComponentHealth{Status: StatusUnknown, Message: "No polling round yet"}
		}

		health := ComponentHealth{
			Details: map[string]interface{}{
				"last_tick":   at,
				"instruments": report.Instruments,
				"fetched":     report.Fetched,
				"failed":      report.Failed,
			},
		}
		age := time.Since(at)
		switch {
		case report.Instruments > 0 && report.Fetched == 0:
			health.Status = StatusUnhealthy
			health.Message = fmt.Sprintf("All %d price fetches failed", report.Failed)
		case age > maxAge:
			health.Status = StatusDegraded
			health.Message = fmt.Sprintf("No polling round for %v", age.Round(time.Second))
		default:
			health.Status = StatusHealthy
			health.Message = fmt.Sprintf("Fetched %d of %d prices", report.Fetched, report.Instruments)
		}
		return health
	}
}

// BreakerCheck maps the price source circuit breaker onto a status.
func BreakerCheck(b *feed.Breaker) Check {
	return func(ctx context.Context) ComponentHealth {
		state := b.State()
		health := ComponentHealth{
			Details: map[string]interface{}{
				"state":    state,
				"rejected": b.Rejected(),
			},
		}
		switch state {
		case feed.BreakerOpen:
			health.Status = StatusUnhealthy
			health.Message = "Price source circuit open"
		case feed.BreakerHalfOpen:
			health.Status = StatusDegraded
			health.Message = "Price source recovering"
		default:
			health.Status = StatusHealthy
			health.Message = "Price source circuit closed"
		}
		return health
	}
}
