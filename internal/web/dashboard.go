package web

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/pkg/api"
)

// dashboardOverviewHandler aggregates resources, container counts, nodes,
// and queue state into one dashboard payload.
func (s *Server) dashboardOverviewHandler(c *gin.Context) {
	ctx := c.Request.Context()
	overview := gin.H{"queue": s.queue.Stats()}

	if snapshot, err := s.monitor.Snapshot(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to sample resources for overview")
	} else {
		overview["resources"] = snapshot
	}

	counts := gin.H{}
	for _, status := range []api.ContainerStatus{
		api.StatusCreating, api.StatusStarting, api.StatusRunning,
		api.StatusStopped, api.StatusFailed,
	} {
		count, err := s.records.CountContainers(ctx, status)
		if err != nil {
			s.respondError(c, api.WrapError(api.CodeInternalError,
				"failed to count containers", err))
			return
		}
		counts[string(status)] = count
	}
	overview["containers"] = counts

	if nodes, err := s.runtime.Nodes(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to list nodes for overview")
	} else {
		overview["nodes"] = len(nodes)
	}

	c.JSON(http.StatusOK, overview)
}

// dashboardNodesHandler returns live per-node metrics.
func (s *Server) dashboardNodesHandler(c *gin.Context) {
	metrics, err := s.runtime.NodeMetrics(c.Request.Context())
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeDockerError, "failed to query nodes", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": metrics})
}

// dashboardQueueStatsHandler reports the pre-warm pool state.
func (s *Server) dashboardQueueStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Stats())
}

// dashboardLogsHandler streams a container's logs as plain text. The
// multiplexed runtime stream is decoded server-side; client disconnect
// cancels the request context and tears down the runtime subscription.
func (s *Server) dashboardLogsHandler(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		s.respondError(c, api.NewError(api.CodeInvalidParameter, "id query parameter is required"))
		return
	}
	follow := c.Query("follow") == "true"

	ctx := c.Request.Context()
	reader, err := s.runtime.Logs(ctx, id, follow)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeDockerError, "failed to open log stream", err))
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)

	writer := flushWriter{w: c.Writer}
	if err := swarm.Demux(reader, writer, writer); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("container_id", id).Warn("Log stream ended with error")
	}
}

// flushWriter flushes after every frame so followed logs reach the client
// promptly.
type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.w.Flush()
	}
	return n, err
}

var _ io.Writer = flushWriter{}

// dashboardActionHandler applies an operator action to a container:
// start, stop, restart, or delete.
func (s *Server) dashboardActionHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var req api.ContainerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, api.WrapError(api.CodeInvalidParameter, "invalid request body", err))
		return
	}

	record, err := s.records.GetContainer(ctx, id)
	if err != nil {
		s.respondError(c, api.WrapError(api.CodeInternalError, "failed to load container", err))
		return
	}
	if record == nil {
		s.respondError(c, api.Errorf(api.CodeContainerNotFound, "no container with id %s", id))
		return
	}

	switch req.Action {
	case "stop", "delete":
		s.stopContainerHandler(c)

	case "restart":
		if record.Status.Terminal() {
			s.respondError(c, api.Errorf(api.CodeInvalidParameter,
				"cannot restart a %s container", record.Status))
			return
		}
		if err := s.runtime.Restart(ctx, id); err != nil {
			s.respondError(c, api.WrapError(api.CodeDockerError,
				"failed to restart container", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "container restarting", "id": id})

	case "start":
		// A terminal record cannot be revived in place; provision a fresh
		// workspace from the record's inputs under a new id.
		if !record.Status.Terminal() {
			s.respondError(c, api.Errorf(api.CodeInvalidParameter,
				"container %s is already %s", id, record.Status))
			return
		}
		decision, err := s.monitor.CanStartContainer(ctx)
		if err != nil {
			s.respondError(c, api.WrapError(api.CodeInternalError, "admission check failed", err))
			return
		}
		if !decision.Allowed {
			s.respondError(c, api.NewError(api.CodeResourceLimitExceeded, decision.Reason))
			return
		}

		newID := uuid.New().String()
		ws, err := s.runtime.Create(ctx, swarm.CreateOptions{
			ID:            newID,
			StorageBucket: record.StorageBucket,
			StorageRegion: record.StorageRegion,
		})
		if err != nil {
			s.respondError(c, api.WrapError(api.CodeContainerStartFailed,
				"failed to provision container", err))
			return
		}

		now := time.Now()
		newRecord := &api.ContainerRecord{
			ID:             ws.ID,
			ServiceName:    ws.ServiceName,
			StorageBucket:  record.StorageBucket,
			StorageRegion:  record.StorageRegion,
			Status:         api.StatusStarting,
			ShutdownReason: api.ShutdownNone,
			URLs:           ws.URLs,
			Resources:      ws.Resources,
			CreatedAt:      now,
			StartedAt:      &now,
		}
		if err := s.records.SaveContainer(ctx, newRecord); err != nil {
			s.respondError(c, api.WrapError(api.CodeInternalError,
				"failed to persist container record", err))
			return
		}
		c.JSON(http.StatusCreated, api.StartContainerResponse{
			ID:          ws.ID,
			ServiceName: ws.ServiceName,
			Status:      api.StatusStarting,
			URLs:        ws.URLs,
			Message:     "container started from " + id,
		})

	default:
		s.respondError(c, api.Errorf(api.CodeInvalidParameter,
			"unknown action %q (supported: start, stop, restart, delete)", req.Action))
	}
}
