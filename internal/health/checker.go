// Package health probes the upstream services trust decisions depend on
// (trust anchors, the DID resolver) and keeps their last known status.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported for a target.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Target is one upstream endpoint to probe.
type Target struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TargetStatus is the last observed state of a Target.
type TargetStatus struct {
	Target
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(target string, success bool)

// HealthChecker runs periodic upstream probes.
type HealthChecker struct {
	targets    []Target
	httpClient *http.Client
	mu         sync.RWMutex
	states     map[string]*TargetStatus
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker for targets.
func New(targets []Target, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	states := make(map[string]*TargetStatus, len(targets))
	for _, t := range targets {
		states[t.Name] = &TargetStatus{Target: t, Status: StatusUnknown}
	}
	return &HealthChecker{
		targets:    targets,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		states:     states,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the health check loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	h.checkOnce(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.checkOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthChecker) checkOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout+time.Second)
	defer cancel()
	h.CheckAll(probeCtx)
}

// CheckAll probes all targets with bounded concurrency.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, t := range h.targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := h.probeEndpoint(ctx, target.URL)
			if h.onMetrics != nil {
				h.onMetrics(target.Name, success)
			}
			h.observe(target, success)
		}(t)
	}

	wg.Wait()
}

func (h *HealthChecker) observe(target Target, success bool) {
	h.mu.Lock()
	st := h.states[target.Name]
	prev := st.FailCount
	if success {
		st.FailCount = 0
		st.Status = StatusHealthy
	} else {
		st.FailCount++
		if st.FailCount >= h.cfg.FailThreshold {
			st.Status = StatusDegraded
		}
	}
	st.CheckedAt = time.Now().UTC()
	count := st.FailCount
	h.mu.Unlock()

	switch {
	case success && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("target", target.Name))
	case !success && count == h.cfg.FailThreshold:
		// Logged once, exactly at threshold.
		h.logger.Warn("health: degraded",
			zap.String("target", target.Name),
			zap.String("url", target.URL),
			zap.Int("fail_count", count),
		)
	}
}

// Snapshot returns the current status of every target, sorted by name.
func (h *HealthChecker) Snapshot() []TargetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TargetStatus, 0, len(h.states))
	for _, st := range h.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no target is degraded.
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, st := range h.states {
		if st.Status == StatusDegraded {
			return false
		}
	}
	return true
}

// probeEndpoint attempts HEAD then GET, returning true if any 2xx response.
func (h *HealthChecker) probeEndpoint(ctx context.Context, endpoint string) bool {
	// Try HEAD first.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
