// Package health probes the external regime authority endpoints so operators
// can see an authority outage before submissions start piling up.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/regime"
)

// Config holds probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Status is the probe state of one authority endpoint.
type Status struct {
	Regime    regime.ID `json:"regime"`
	Endpoint  string    `json:"endpoint"`
	Healthy   bool      `json:"healthy"`
	FailCount int       `json:"fail_count"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Monitor runs periodic reachability probes against the configured regime
// authority endpoints and tracks consecutive failures.
type Monitor struct {
	endpoints  map[regime.ID]string
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	status map[regime.ID]*Status
}

// NewMonitor creates a Monitor over the regime endpoint map.
func NewMonitor(endpoints map[regime.ID]string, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	status := make(map[regime.ID]*Status, len(endpoints))
	for id, ep := range endpoints {
		status[id] = &Status{Regime: id, Endpoint: ep, Healthy: true}
	}
	return &Monitor{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
		status:     status,
	}
}

// Start runs the probe loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckInterval-time.Second)
			m.CheckAll(probeCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every configured endpoint once.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id, endpoint := range m.endpoints {
		wg.Add(1)
		go func(id regime.ID, endpoint string) {
			defer wg.Done()
			m.record(ctx, id, m.probe(ctx, endpoint))
		}(id, endpoint)
	}
	wg.Wait()
}

func (m *Monitor) record(_ context.Context, id regime.ID, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.status[id]
	if success {
		if st.FailCount >= m.cfg.FailThreshold {
			m.logger.Info("authority endpoint recovered", zap.String("regime", string(id)))
		}
		st.FailCount = 0
		st.Healthy = true
		st.LastSeen = time.Now().UTC()
		return
	}

	st.FailCount++
	if st.FailCount == m.cfg.FailThreshold {
		st.Healthy = false
		m.logger.Warn("authority endpoint degraded",
			zap.String("regime", string(id)),
			zap.String("endpoint", st.Endpoint),
			zap.Int("fail_count", st.FailCount),
		)
	}
}

// Statuses returns the current probe state of every endpoint, ordered by
// regime for stable output.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Regime < out[j].Regime })
	return out
}

// probe attempts HEAD then GET, returning true on any response below 500.
// Authorities commonly reject bodiless probes with 4xx while being up.
func (m *Monitor) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err == nil {
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode < 500 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = m.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode < 500
}
