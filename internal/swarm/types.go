package swarm

import (
	"time"

	"github.com/ao/workbench/pkg/api"
)

// Labels attached to every service managed by this control plane.
const (
	// ManagedLabel marks a Swarm service as owned by the control plane.
	ManagedLabel = "workbench.managed"
	// IDLabel carries the workspace id on a managed service.
	IDLabel = "workbench.id"
	// PreWarmedLabel marks a service created ahead of demand, before any
	// storage bucket has been attached.
	PreWarmedLabel = "workbench.prewarmed"
)

// CreateOptions are the provisioning inputs for a workspace service.
type CreateOptions struct {
	// ID is the generated workspace id; the service name and routing
	// hostnames derive from it.
	ID string
	// StorageBucket and StorageRegion are empty for pre-warmed workspaces.
	StorageBucket string
	StorageRegion string
	Credentials   *api.Credentials
	VNCPassword   string
	PreWarmed     bool
}

// Workspace describes a provisioned workspace service.
type Workspace struct {
	ID          string
	ServiceName string
	URLs        map[string]string
	Resources   api.ResourceLimits
	CreatedAt   time.Time
}

// WorkspaceStatus is the live runtime state of a workspace service.
type WorkspaceStatus struct {
	ID           string
	ServiceName  string
	State        string
	RunningTasks int
	DesiredTasks int
}

// WorkspaceSummary is one entry of a full runtime listing, used by the
// cleanup service to reconcile against durable state.
type WorkspaceSummary struct {
	ID          string
	ServiceName string
	PreWarmed   bool
	CreatedAt   time.Time
}
