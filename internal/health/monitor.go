package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/internal/store"
	"github.com/ao/workbench/pkg/api"
)

// RecordStore is the slice of the metadata store the monitor needs.
type RecordStore interface {
	ListContainers(ctx context.Context, filter store.Filter) ([]api.ContainerRecord, error)
	UpdateLifecycle(ctx context.Context, id string, patch store.LifecyclePatch) error
}

// state is the in-memory probe state for one container. It exists from the
// first probe of a running container until the container stops.
type state struct {
	consecutiveFailures int
	lastCheck           time.Time
	restartAttempted    bool
}

// Monitor periodically probes the exposed endpoints of every running
// container and marks containers failed after repeated misses. Probe
// failures never surface as request errors; they only drive lifecycle
// transitions. Recovery itself is delegated to the runtime's restart policy.
type Monitor struct {
	cfg     config.HealthConfig
	records RecordStore
	client  *http.Client
	logger  *logrus.Logger

	mu     sync.Mutex
	states map[string]*state

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewMonitor creates a health monitor. Probes use a dedicated HTTP client
// with the configured per-probe timeout and no redirect following.
func NewMonitor(cfg config.HealthConfig, records RecordStore, logger *logrus.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		records: records,
		client: &http.Client{
			Timeout: cfg.ProbeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		states:  make(map[string]*state),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.WithField("interval", m.cfg.Interval).Info("Health monitor started")
}

// Stop halts the probe loop and waits for it to exit. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.CheckAll(context.Background())
		}
	}
}

// CheckAll probes every running container once. Containers are probed
// concurrently so a slow endpoint on one cannot delay the others.
func (m *Monitor) CheckAll(ctx context.Context) {
	records, err := m.records.ListContainers(ctx, store.Filter{Status: api.StatusRunning})
	if err != nil {
		m.logger.WithError(err).Error("Failed to list running containers for health check")
		return
	}

	var wg sync.WaitGroup
	for i := range records {
		record := records[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.checkContainer(ctx, record)
		}()
	}
	wg.Wait()
}

// checkContainer probes all endpoints of one container and applies the
// state-machine transition for the aggregate outcome.
func (m *Monitor) checkContainer(ctx context.Context, record api.ContainerRecord) {
	healthy := m.probeEndpoints(ctx, record.URLs)

	m.mu.Lock()
	st, ok := m.states[record.ID]
	if !ok {
		st = &state{}
		m.states[record.ID] = st
	}
	st.lastCheck = time.Now()

	if healthy {
		st.consecutiveFailures = 0
		st.restartAttempted = false
		m.mu.Unlock()
		return
	}

	st.consecutiveFailures++
	failures := st.consecutiveFailures
	shouldFail := failures >= m.cfg.MaxConsecutiveFailures && !st.restartAttempted
	if shouldFail {
		st.restartAttempted = true
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"container_id":         record.ID,
		"consecutive_failures": failures,
	}).Warn("Container health check failed")

	if !shouldFail {
		return
	}

	status := api.StatusFailed
	reason := api.ShutdownFailure
	err := m.records.UpdateLifecycle(ctx, record.ID, store.LifecyclePatch{
		Status:         &status,
		ShutdownReason: &reason,
	})
	if err != nil {
		m.logger.WithError(err).WithField("container_id", record.ID).
			Error("Failed to mark container failed")
		return
	}
	m.logger.WithField("container_id", record.ID).
		Error("Container marked failed after repeated health check misses")

	// The record is terminal now, so probing stops; drop its state so the
	// map tracks live containers only.
	m.Forget(record.ID)
}

// probeEndpoints issues all endpoint probes concurrently. The container
// counts as healthy only if every endpoint is reachable.
func (m *Monitor) probeEndpoints(ctx context.Context, urls map[string]string) bool {
	if len(urls) == 0 {
		return false
	}

	results := make(chan bool, len(urls))
	for _, url := range urls {
		go func(url string) {
			results <- m.probe(ctx, url)
		}(url)
	}

	healthy := true
	for range urls {
		if !<-results {
			healthy = false
		}
	}
	return healthy
}

// probe counts an endpoint as reachable if it answers before the timeout
// with any status below 500.
func (m *Monitor) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Report returns the externally visible probe state for a container, or nil
// if it has never been probed.
func (m *Monitor) Report(id string) *api.HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return nil
	}
	return &api.HealthReport{
		ConsecutiveFailures: st.consecutiveFailures,
		LastCheck:           st.lastCheck,
		RestartAttempted:    st.restartAttempted,
	}
}

// Forget deletes the probe state for a container. Called as soon as a
// container stops so stale state is never probed or reported.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}
