package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/internal/store"
	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/pkg/api"
)

// Runtime is the slice of the container runtime the cleanup service needs.
type Runtime interface {
	List(ctx context.Context) ([]swarm.WorkspaceSummary, error)
	Stop(ctx context.Context, id string) error
}

// RecordStore is the slice of the metadata store the cleanup service needs.
type RecordStore interface {
	ListContainers(ctx context.Context, filter store.Filter) ([]api.ContainerRecord, error)
	UpdateLifecycle(ctx context.Context, id string, patch store.LifecyclePatch) error
}

// QueueMembership answers whether a workspace id is currently pooled, so
// pre-warmed queue members are not reaped as orphans.
type QueueMembership interface {
	Contains(id string) bool
}

// HealthForgetter drops probe state for containers the reconciler stops.
type HealthForgetter interface {
	Forget(id string)
}

// Service reconciles the metadata store against the live runtime on a fixed
// interval: records whose service vanished are marked stopped, and services
// with no record and no queue membership are removed as orphans.
type Service struct {
	cfg     config.CleanupConfig
	runtime Runtime
	records RecordStore
	queue   QueueMembership
	health  HealthForgetter
	logger  *logrus.Logger

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewService creates a cleanup service.
func NewService(
	cfg config.CleanupConfig,
	runtime Runtime,
	records RecordStore,
	queue QueueMembership,
	health HealthForgetter,
	logger *logrus.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		runtime: runtime,
		records: records,
		queue:   queue,
		health:  health,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (s *Service) Start() {
	go s.run()
	s.logger.WithField("interval", s.cfg.Interval).Info("Cleanup service started")
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Reconcile(context.Background()); err != nil {
				s.logger.WithError(err).Error("Cleanup pass failed")
			}
		}
	}
}

// Reconcile runs one reconciliation pass.
func (s *Service) Reconcile(ctx context.Context) error {
	live, err := s.runtime.List(ctx)
	if err != nil {
		return err
	}
	liveByID := make(map[string]swarm.WorkspaceSummary, len(live))
	for _, summary := range live {
		if summary.ID != "" {
			liveByID[summary.ID] = summary
		}
	}

	// Running records whose service disappeared out from under us.
	running, err := s.records.ListContainers(ctx, store.Filter{Status: api.StatusRunning})
	if err != nil {
		return err
	}
	starting, err := s.records.ListContainers(ctx, store.Filter{Status: api.StatusStarting})
	if err != nil {
		return err
	}

	tracked := make(map[string]bool, len(running)+len(starting))
	for _, record := range append(running, starting...) {
		tracked[record.ID] = true
		if _, alive := liveByID[record.ID]; alive {
			continue
		}

		status := api.StatusStopped
		reason := api.ShutdownFailure
		if err := s.records.UpdateLifecycle(ctx, record.ID, store.LifecyclePatch{
			Status:         &status,
			ShutdownReason: &reason,
		}); err != nil {
			s.logger.WithError(err).WithField("container_id", record.ID).
				Error("Failed to mark vanished container stopped")
			continue
		}
		s.health.Forget(record.ID)
		s.logger.WithField("container_id", record.ID).
			Warn("Marked container stopped: service missing from runtime")
	}

	// Also account for every non-terminal record so orphan detection below
	// never reaps a container that is still being created.
	for _, status := range []api.ContainerStatus{api.StatusCreating} {
		records, err := s.records.ListContainers(ctx, store.Filter{Status: status})
		if err != nil {
			return err
		}
		for _, record := range records {
			tracked[record.ID] = true
		}
	}

	// Live services with no record and no queue membership are orphans.
	for id := range liveByID {
		if tracked[id] || s.queue.Contains(id) {
			continue
		}
		if liveByID[id].PreWarmed {
			// Pre-warmed services belong to the queue; Adopt handles them.
			continue
		}
		if err := s.runtime.Stop(ctx, id); err != nil {
			s.logger.WithError(err).WithField("container_id", id).
				Error("Failed to remove orphaned service")
			continue
		}
		s.logger.WithField("container_id", id).Warn("Removed orphaned service")
	}
	return nil
}
