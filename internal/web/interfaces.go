package web

import (
	"context"
	"io"

	"github.com/ao/workbench/internal/bucket"
	"github.com/ao/workbench/internal/queue"
	"github.com/ao/workbench/internal/ratelimit"
	"github.com/ao/workbench/internal/resources"
	"github.com/ao/workbench/internal/store"
	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/pkg/api"
)

// Runtime is the container runtime surface the handlers need.
type Runtime interface {
	Create(ctx context.Context, opts swarm.CreateOptions) (*swarm.Workspace, error)
	Stop(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*swarm.WorkspaceStatus, error)
	Restart(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	Nodes(ctx context.Context) ([]api.NodeInfo, error)
	NodeMetrics(ctx context.Context) ([]api.NodeMetrics, error)
}

// RecordStore is the metadata store surface the handlers need.
type RecordStore interface {
	SaveContainer(ctx context.Context, record *api.ContainerRecord) error
	GetContainer(ctx context.Context, id string) (*api.ContainerRecord, error)
	ListContainers(ctx context.Context, filter store.Filter) ([]api.ContainerRecord, error)
	CountContainers(ctx context.Context, status api.ContainerStatus) (int, error)
	UpdateLifecycle(ctx context.Context, id string, patch store.LifecyclePatch) error
}

// ResourceMonitor gates admission and reports system resources.
type ResourceMonitor interface {
	CanStartContainer(ctx context.Context) (resources.Decision, error)
	Snapshot(ctx context.Context) (*api.SystemResources, error)
}

// BucketValidator verifies storage buckets before provisioning.
type BucketValidator interface {
	Validate(ctx context.Context, name, region string, creds *api.Credentials) bucket.Result
}

// HealthMonitor exposes probe state to the API layer.
type HealthMonitor interface {
	Report(id string) *api.HealthReport
	Forget(id string)
}

// Queue hands out pre-warmed workspaces.
type Queue interface {
	AssignNext() *queue.Entry
	Stats() api.QueueStats
}

// RateLimiter gates authenticated requests per API key.
type RateLimiter interface {
	Check(key string) ratelimit.Result
}
