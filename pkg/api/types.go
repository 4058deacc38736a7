package api

import "time"

// ContainerStatus represents the lifecycle status of a workspace container.
type ContainerStatus string

const (
	// StatusCreating indicates the container is being provisioned
	StatusCreating ContainerStatus = "creating"
	// StatusStarting indicates the container has been created and is starting up
	StatusStarting ContainerStatus = "starting"
	// StatusRunning indicates the container is running
	StatusRunning ContainerStatus = "running"
	// StatusStopped indicates the container has been stopped
	StatusStopped ContainerStatus = "stopped"
	// StatusFailed indicates the container has failed
	StatusFailed ContainerStatus = "failed"
)

// Terminal reports whether the status is a terminal lifecycle state.
func (s ContainerStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// ShutdownReason records why a container was stopped.
type ShutdownReason string

const (
	// ShutdownNone is the reason for containers that have not stopped
	ShutdownNone ShutdownReason = "none"
	// ShutdownManual indicates an operator or API-driven stop
	ShutdownManual ShutdownReason = "manual"
	// ShutdownInactivity indicates the container reported itself idle
	ShutdownInactivity ShutdownReason = "inactivity"
	// ShutdownFailure indicates the container was marked failed
	ShutdownFailure ShutdownReason = "failure"
)

// Endpoint names for the URLs map of a workspace container.
const (
	EndpointDesktop = "desktop"
	EndpointEditor  = "editor"
	EndpointPreview = "preview"
)

// ResourceLimits describes the CPU and memory ceiling applied to a container.
type ResourceLimits struct {
	CPUs        float64 `json:"cpus"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// ContainerRecord is the durable record of a workspace container.
type ContainerRecord struct {
	ID             string            `json:"id"`
	ServiceName    string            `json:"service_name"`
	StorageBucket  string            `json:"storage_bucket,omitempty"`
	StorageRegion  string            `json:"storage_region,omitempty"`
	Status         ContainerStatus   `json:"status"`
	ShutdownReason ShutdownReason    `json:"shutdown_reason"`
	URLs           map[string]string `json:"urls"`
	Resources      ResourceLimits    `json:"resources"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
	LastActivity   *time.Time        `json:"last_activity,omitempty"`
}

// Credentials carries caller-supplied object storage credentials.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// StartContainerRequest is the body of POST /api/containers/start.
type StartContainerRequest struct {
	StorageBucket string       `json:"storageBucket" binding:"required"`
	StorageRegion string       `json:"storageRegion,omitempty"`
	Credentials   *Credentials `json:"credentials,omitempty"`
	VNCPassword   string       `json:"vncPassword,omitempty"`
}

// StartContainerResponse is the body returned on a successful start.
type StartContainerResponse struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"service_name"`
	Status      ContainerStatus   `json:"status"`
	URLs        map[string]string `json:"urls"`
	Message     string            `json:"message"`
}

// ListContainersResponse is the paginated body of GET /api/containers.
type ListContainersResponse struct {
	Containers []ContainerRecord `json:"containers"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// ContainerDetail merges the durable record with live runtime and health state.
type ContainerDetail struct {
	ContainerRecord
	RuntimeStatus string        `json:"runtime_status,omitempty"`
	Health        *HealthReport `json:"health,omitempty"`
}

// HealthReport is the externally visible view of a container's probe state.
type HealthReport struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	RestartAttempted    bool      `json:"restart_attempted"`
}

// StopContainerResponse is the body of DELETE /api/containers/:id.
type StopContainerResponse struct {
	Message   string          `json:"message"`
	ID        string          `json:"id"`
	Status    ContainerStatus `json:"status"`
	StoppedAt time.Time       `json:"stopped_at"`
}

// InactivityShutdownRequest is the body of the container self-report callback.
type InactivityShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// QueueStats describes the pre-warmed container pool.
type QueueStats struct {
	PreWarmed  int `json:"pre_warmed"`
	Assigned   int `json:"assigned"`
	TargetSize int `json:"target_size"`
}

// ContainerActionRequest is the body of the dashboard action endpoint.
type ContainerActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// NodeInfo describes a cluster member.
type NodeInfo struct {
	ID           string `json:"id"`
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	Availability string `json:"availability"`
	Status       string `json:"status"`
	Address      string `json:"address"`
	EngineVer    string `json:"engine_version,omitempty"`
}

// NodeMetrics describes per-node resource usage and a derived health label.
type NodeMetrics struct {
	NodeInfo
	CPUTotal          float64 `json:"cpu_total"`
	CPUReserved       float64 `json:"cpu_reserved"`
	MemoryTotalBytes  int64   `json:"memory_total_bytes"`
	MemoryReserved    int64   `json:"memory_reserved_bytes"`
	ContainersRunning int     `json:"containers_running"`
	Health            string  `json:"health"`
}

// SystemResources is the structured snapshot used for admission control
// and dashboard reporting.
type SystemResources struct {
	CPU struct {
		UsagePercent     float64 `json:"usage_percent"`
		AvailablePercent float64 `json:"available_percent"`
		Cores            int     `json:"cores"`
	} `json:"cpu"`
	Memory struct {
		TotalBytes     uint64  `json:"total_bytes"`
		UsedBytes      uint64  `json:"used_bytes"`
		AvailableBytes uint64  `json:"available_bytes"`
		UsagePercent   float64 `json:"usage_percent"`
	} `json:"memory"`
	Disk struct {
		TotalBytes     uint64  `json:"total_bytes"`
		UsedBytes      uint64  `json:"used_bytes"`
		AvailableBytes uint64  `json:"available_bytes"`
		UsagePercent   float64 `json:"usage_percent"`
	} `json:"disk"`
	Containers struct {
		Running int `json:"running"`
		Total   int `json:"total"`
	} `json:"containers"`
}
