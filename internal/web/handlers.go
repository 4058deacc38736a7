package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/store"
	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/pkg/api"
)

// startContainerHandler provisions a workspace for the caller: bucket
// validation, admission check, then either a pre-warmed assignment or a cold
// start through the runtime.
func (s *Server) startContainerHandler(c *gin.Context) {
	var req api.StartContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, api.WrapError(api.CodeInvalidParameter, "invalid request body", err))
		return
	}

	ctx := c.Request.Context()

	// Hard precondition: no container is created without a valid bucket.
	result := s.validator.Validate(ctx, req.StorageBucket, req.StorageRegion, req.Credentials)
	if !result.Valid {
		s.respondError(c, api.NewError(api.CodeInvalidBucket, result.Message))
		return
	}
	// The resolved region is authoritative, whatever the caller asked for.
	region := result.ResolvedRegion

	decision, err := s.monitor.CanStartContainer(ctx)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "admission check failed", err))
		return
	}
	if !decision.Allowed {
		s.respondError(c, api.NewError(api.CodeResourceLimitExceeded, decision.Reason))
		return
	}

	record := &api.ContainerRecord{
		StorageBucket:  req.StorageBucket,
		StorageRegion:  region,
		Status:         api.StatusStarting,
		ShutdownReason: api.ShutdownNone,
		CreatedAt:      time.Now(),
	}
	message := "container started"

	if entry := s.queue.AssignNext(); entry != nil {
		record.ID = entry.ID
		record.ServiceName = entry.ServiceName
		record.URLs = entry.URLs
		record.Resources = entry.Resources
		if record.URLs == nil {
			record.URLs = swarm.EndpointURLs(entry.ID, s.runtimeCfg.RoutingDomain)
		}
		if record.Resources == (api.ResourceLimits{}) {
			// Entries adopted from the runtime after a restart carry no limits.
			record.Resources = api.ResourceLimits{
				CPUs:        s.runtimeCfg.CPULimit,
				MemoryBytes: s.runtimeCfg.MemoryLimit,
			}
		}
		record.Status = api.StatusRunning
		message = "pre-warmed container assigned"
		s.logger.WithField("container_id", entry.ID).Info("Assigned pre-warmed workspace")
	} else {
		id := uuid.New().String()
		ws, err := s.runtime.Create(ctx, swarm.CreateOptions{
			ID:            id,
			StorageBucket: req.StorageBucket,
			StorageRegion: region,
			Credentials:   req.Credentials,
			VNCPassword:   req.VNCPassword,
		})
		if err != nil {
			s.respondError(c, api.WrapError(api.CodeContainerStartFailed,
				"failed to provision container", err))
			return
		}
		record.ID = ws.ID
		record.ServiceName = ws.ServiceName
		record.URLs = ws.URLs
		record.Resources = ws.Resources
	}

	now := time.Now()
	record.StartedAt = &now
	record.LastActivity = &now

	if err := s.records.SaveContainer(ctx, record); err != nil {
		// The runtime call is not atomic with the metadata write; the
		// cleanup service reaps the service if we fail to record it.
		s.respondError(c, api.WrapError(api.CodeInternalError,
			"failed to persist container record", err))
		return
	}

	c.JSON(http.StatusCreated, api.StartContainerResponse{
		ID:          record.ID,
		ServiceName: record.ServiceName,
		Status:      record.Status,
		URLs:        record.URLs,
		Message:     message,
	})
}

// listContainersHandler returns a filtered, paginated listing.
func (s *Server) listContainersHandler(c *gin.Context) {
	filter := store.Filter{Limit: 20}

	if status := c.Query("status"); status != "" {
		filter.Status = api.ContainerStatus(status)
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 100 {
			s.respondError(c, api.NewError(api.CodeInvalidParameter,
				"limit must be an integer between 1 and 100"))
			return
		}
		filter.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			s.respondError(c, api.NewError(api.CodeInvalidParameter,
				"offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	ctx := c.Request.Context()
	records, err := s.records.ListContainers(ctx, filter)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to list containers", err))
		return
	}
	total, err := s.records.CountContainers(ctx, filter.Status)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to count containers", err))
		return
	}
	if records == nil {
		records = []api.ContainerRecord{}
	}

	c.JSON(http.StatusOK, api.ListContainersResponse{
		Containers: records,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

// getContainerHandler returns the durable record merged with live runtime
// status and probe state.
func (s *Server) getContainerHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	record, err := s.records.GetContainer(ctx, id)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to load container", err))
		return
	}
	if record == nil {
		s.respondError(c, api.Errorf(api.CodeContainerNotFound, "no container with id %s", id))
		return
	}

	detail := api.ContainerDetail{ContainerRecord: *record}
	if status, err := s.runtime.Get(ctx, id); err != nil {
		s.logger.WithError(err).WithField("container_id", id).
			Warn("Failed to fetch live runtime status")
	} else if status != nil {
		detail.RuntimeStatus = status.State
	}
	detail.Health = s.health.Report(id)

	c.JSON(http.StatusOK, detail)
}

// stopContainerHandler stops a container. Stopping an already-stopped
// container succeeds without a second lifecycle write: the runtime removal
// is idempotent and absence counts as success.
func (s *Server) stopContainerHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	record, err := s.records.GetContainer(ctx, id)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to load container", err))
		return
	}
	if record == nil {
		s.respondError(c, api.Errorf(api.CodeContainerNotFound, "no container with id %s", id))
		return
	}

	if err := s.runtime.Stop(ctx, id); err != nil {
		s.respondError(c, api.WrapError(api.CodeContainerStopFailed,
			"failed to stop container", err))
		return
	}

	stoppedAt := time.Now()
	if record.Status.Terminal() {
		// Second stop: confirm absence only, no further mutation.
		if record.StoppedAt != nil {
			stoppedAt = *record.StoppedAt
		}
	} else {
		status := api.StatusStopped
		reason := api.ShutdownManual
		err := s.records.UpdateLifecycle(ctx, id, store.LifecyclePatch{
			Status:         &status,
			ShutdownReason: &reason,
			StoppedAt:      &stoppedAt,
		})
		switch {
		case errors.Is(err, store.ErrTerminalState):
			// Lost the race to a concurrent stop; the earlier write stands.
			if current, getErr := s.records.GetContainer(ctx, id); getErr == nil &&
				current != nil && current.StoppedAt != nil {
				stoppedAt = *current.StoppedAt
			}
		case err != nil:
			s.respondError(c, api.WrapError(api.CodeInternalError,
				"failed to record container stop", err))
			return
		}
	}
	// Drop probe state even when the record was already terminal.
	s.health.Forget(id)

	c.JSON(http.StatusOK, api.StopContainerResponse{
		Message:   "container stopped",
		ID:        id,
		Status:    api.StatusStopped,
		StoppedAt: stoppedAt,
	})
}

// inactivityShutdownHandler is the unauthenticated self-report used by the
// workspace agent running inside the container. It records an
// inactivity-triggered stop.
func (s *Server) inactivityShutdownHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var req api.InactivityShutdownRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	record, err := s.records.GetContainer(ctx, id)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to load container", err))
		return
	}
	if record == nil {
		s.respondError(c, api.Errorf(api.CodeContainerNotFound, "no container with id %s", id))
		return
	}
	if record.Status.Terminal() {
		c.JSON(http.StatusOK, gin.H{"message": "container already stopped", "id": id})
		return
	}

	if err := s.runtime.Stop(ctx, id); err != nil {
		s.respondError(c, api.WrapError(api.CodeContainerStopFailed,
			"failed to stop container", err))
		return
	}

	status := api.StatusStopped
	reason := api.ShutdownInactivity
	stoppedAt := time.Now()
	if err := s.records.UpdateLifecycle(ctx, id, store.LifecyclePatch{
		Status:         &status,
		ShutdownReason: &reason,
		StoppedAt:      &stoppedAt,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			c.JSON(http.StatusOK, gin.H{"message": "container already stopped", "id": id})
			return
		}
		s.respondError(c, api.WrapError(api.CodeInternalError,
			"failed to record inactivity stop", err))
		return
	}
	s.health.Forget(id)

	s.logger.WithFields(logrus.Fields{
		"container_id": id,
		"reason":       req.Reason,
	}).Info("Container stopped after inactivity self-report")

	c.JSON(http.StatusOK, gin.H{"message": "container stopped", "id": id})
}

// healthHandler is the unauthenticated liveness/readiness endpoint with a
// resource and queue summary.
func (s *Server) healthHandler(c *gin.Context) {
	response := gin.H{
		"status": "ok",
		"queue":  s.queue.Stats(),
	}

	if snapshot, err := s.monitor.Snapshot(c.Request.Context()); err != nil {
		s.logger.WithError(err).Warn("Failed to sample resources for health endpoint")
		response["resources"] = nil
	} else {
		response["resources"] = snapshot
	}

	c.JSON(http.StatusOK, response)
}
