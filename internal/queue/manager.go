package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/internal/resources"
	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/pkg/api"
)

// Runtime is the slice of the container runtime the queue needs.
type Runtime interface {
	Create(ctx context.Context, opts swarm.CreateOptions) (*swarm.Workspace, error)
	List(ctx context.Context) ([]swarm.WorkspaceSummary, error)
}

// Admission gates pre-warm provisioning the same way user requests are gated.
type Admission interface {
	CanStartContainer(ctx context.Context) (resources.Decision, error)
}

// Entry is a pre-warmed, unassigned workspace. It has no storage bucket; it
// becomes a normal container record once assigned to a requester.
type Entry struct {
	ID          string
	ServiceName string
	URLs        map[string]string
	Resources   api.ResourceLimits
	CreatedAt   time.Time
}

// Manager maintains a target-sized pool of pre-warmed workspaces and hands
// them out FIFO. An entry is owned by the manager until assignment; it is
// never handed to two requesters.
type Manager struct {
	cfg       config.QueueConfig
	runtime   Runtime
	admission Admission
	logger    *logrus.Logger

	mu       sync.Mutex
	entries  []*Entry
	known    map[string]bool
	assigned int

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewManager creates a queue manager.
func NewManager(cfg config.QueueConfig, runtime Runtime, admission Admission, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		runtime:   runtime,
		admission: admission,
		logger:    logger,
		known:     make(map[string]bool),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (m *Manager) Start() {
	go m.run()
	m.logger.WithFields(logrus.Fields{
		"target_size": m.cfg.TargetSize,
		"interval":    m.cfg.Interval,
	}).Info("Queue maintainer started")
}

// Stop halts the maintenance loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
	m.logger.Info("Queue maintainer stopped")
}

func (m *Manager) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Maintain(context.Background())
		}
	}
}

// Maintain tops the pool up to the target size, subject to the same
// admission control as any other provisioning. It never removes excess
// entries; the pool only shrinks through assignment.
func (m *Manager) Maintain(ctx context.Context) {
	for {
		m.mu.Lock()
		deficit := m.cfg.TargetSize - len(m.entries)
		m.mu.Unlock()
		if deficit <= 0 {
			return
		}

		decision, err := m.admission.CanStartContainer(ctx)
		if err != nil {
			m.logger.WithError(err).Error("Queue maintenance admission check failed")
			return
		}
		if !decision.Allowed {
			m.logger.WithField("reason", decision.Reason).
				Info("Queue maintenance paused by admission control")
			return
		}

		id := uuid.New().String()
		ws, err := m.runtime.Create(ctx, swarm.CreateOptions{
			ID:        id,
			PreWarmed: true,
		})
		if err != nil {
			m.logger.WithError(err).Error("Failed to create pre-warmed workspace")
			return
		}

		m.Add(&Entry{
			ID:          ws.ID,
			ServiceName: ws.ServiceName,
			URLs:        ws.URLs,
			Resources:   ws.Resources,
			CreatedAt:   ws.CreatedAt,
		})
		m.logger.WithField("workspace_id", ws.ID).Info("Pre-warmed workspace added to queue")
	}
}

// Adopt scans the runtime for pre-warmed services left over from a previous
// run and returns them to the pool, so a restart does not strand paid-for
// containers.
func (m *Manager) Adopt(ctx context.Context) error {
	summaries, err := m.runtime.List(ctx)
	if err != nil {
		return err
	}

	adopted := 0
	for _, summary := range summaries {
		if !summary.PreWarmed || summary.ID == "" {
			continue
		}
		m.mu.Lock()
		seen := m.known[summary.ID]
		m.mu.Unlock()
		if seen {
			continue
		}
		m.Add(&Entry{
			ID:          summary.ID,
			ServiceName: summary.ServiceName,
			CreatedAt:   summary.CreatedAt,
		})
		adopted++
	}
	if adopted > 0 {
		m.logger.WithField("count", adopted).Info("Adopted pre-warmed workspaces from runtime")
	}
	return nil
}

// Add places an entry at the back of the queue.
func (m *Manager) Add(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	m.known[entry.ID] = true
}

// AssignNext removes and returns the oldest available entry, or nil when the
// pool is empty. Removal is a single atomic step under the lock, so an entry
// can never be yielded to two concurrent callers.
func (m *Manager) AssignNext() *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil
	}
	entry := m.entries[0]
	m.entries = m.entries[1:]
	m.assigned++
	return entry
}

// Contains reports whether the given workspace id is currently pooled.
// The cleanup service uses this to avoid reaping queue members as orphans.
func (m *Manager) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}

// Stats reports pool size, total assignments, and the configured target.
func (m *Manager) Stats() api.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return api.QueueStats{
		PreWarmed:  len(m.entries),
		Assigned:   m.assigned,
		TargetSize: m.cfg.TargetSize,
	}
}
