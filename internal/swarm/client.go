package swarm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/pkg/api"
)

// Ports the workspace image exposes for each named endpoint.
const (
	desktopPort = 6080
	editorPort  = 8443
	previewPort = 3000
)

// Client provisions and manages workspace services on a Docker Swarm
// cluster. All operations are remote calls and may fail independently of
// local state; callers must not assume atomicity between a runtime call and
// a subsequent metadata write.
type Client struct {
	docker client.APIClient
	cfg    config.RuntimeConfig
	logger *logrus.Logger
}

// NewClient creates a Swarm client from the environment (DOCKER_HOST etc.),
// negotiating the API version with the daemon.
func NewClient(cfg config.RuntimeConfig, logger *logrus.Logger) (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{docker: docker, cfg: cfg, logger: logger}, nil
}

// NewClientWithAPI wraps an existing docker API client; used by tests.
func NewClientWithAPI(docker client.APIClient, cfg config.RuntimeConfig, logger *logrus.Logger) *Client {
	return &Client{docker: docker, cfg: cfg, logger: logger}
}

// Close releases the underlying docker client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// ServiceName returns the Swarm service name for a workspace id.
func ServiceName(id string) string {
	return "workbench-" + id
}

// EndpointURLs returns the named routing URLs for a workspace id under the
// given routing domain.
func EndpointURLs(id, domain string) map[string]string {
	return map[string]string{
		api.EndpointDesktop: fmt.Sprintf("https://%s-desktop.%s", id, domain),
		api.EndpointEditor:  fmt.Sprintf("https://%s-editor.%s", id, domain),
		api.EndpointPreview: fmt.Sprintf("https://%s-preview.%s", id, domain),
	}
}

// Create provisions a new workspace service with routing labels derived from
// the workspace id, resource limits from configuration, and environment
// carrying the storage bucket, region, and credentials.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (*Workspace, error) {
	name := ServiceName(opts.ID)

	c.logger.WithFields(logrus.Fields{
		"workspace_id": opts.ID,
		"service":      name,
		"pre_warmed":   opts.PreWarmed,
	}).Info("Creating workspace service")

	spec := c.serviceSpec(name, opts)
	if _, err := c.docker.ServiceCreate(ctx, spec, swarmtypes.ServiceCreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}

	ws := &Workspace{
		ID:          opts.ID,
		ServiceName: name,
		URLs:        EndpointURLs(opts.ID, c.cfg.RoutingDomain),
		Resources: api.ResourceLimits{
			CPUs:        c.cfg.CPULimit,
			MemoryBytes: c.cfg.MemoryLimit,
		},
		CreatedAt: time.Now(),
	}

	c.logger.WithFields(logrus.Fields{
		"workspace_id": opts.ID,
		"service":      name,
	}).Info("Workspace service created")
	return ws, nil
}

// Stop removes the workspace service. A service that is already absent is
// treated as success; other runtime errors are genuine failures.
func (c *Client) Stop(ctx context.Context, id string) error {
	name := ServiceName(id)
	c.logger.WithField("workspace_id", id).Info("Removing workspace service")

	if err := c.docker.ServiceRemove(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			c.logger.WithField("workspace_id", id).Info("Workspace service already absent")
			return nil
		}
		return fmt.Errorf("failed to remove service %s: %w", name, err)
	}
	return nil
}

// Get returns the live status of a workspace service, or nil if it does not
// exist on the cluster.
func (c *Client) Get(ctx context.Context, id string) (*WorkspaceStatus, error) {
	name := ServiceName(id)

	service, _, err := c.docker.ServiceInspectWithRaw(ctx, name, swarmtypes.ServiceInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect service %s: %w", name, err)
	}

	taskFilter := filters.NewArgs(filters.Arg("service", service.ID))
	tasks, err := c.docker.TaskList(ctx, swarmtypes.TaskListOptions{Filters: taskFilter})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for %s: %w", name, err)
	}

	status := &WorkspaceStatus{
		ID:           id,
		ServiceName:  name,
		DesiredTasks: 1,
	}
	if service.Spec.Mode.Replicated != nil && service.Spec.Mode.Replicated.Replicas != nil {
		status.DesiredTasks = int(*service.Spec.Mode.Replicated.Replicas)
	}
	for _, task := range tasks {
		if task.Status.State == swarmtypes.TaskStateRunning {
			status.RunningTasks++
		}
	}

	switch {
	case status.RunningTasks >= status.DesiredTasks:
		status.State = "running"
	case len(tasks) == 0:
		status.State = "pending"
	default:
		status.State = "starting"
	}
	return status, nil
}

// List enumerates all workspace services on the cluster, identified by the
// managed label. Used to reconcile runtime state against the metadata store.
func (c *Client) List(ctx context.Context) ([]WorkspaceSummary, error) {
	labelFilter := filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
	services, err := c.docker.ServiceList(ctx, swarmtypes.ServiceListOptions{Filters: labelFilter})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	summaries := make([]WorkspaceSummary, 0, len(services))
	for _, service := range services {
		summaries = append(summaries, WorkspaceSummary{
			ID:          service.Spec.Labels[IDLabel],
			ServiceName: service.Spec.Name,
			PreWarmed:   service.Spec.Labels[PreWarmedLabel] == "true",
			CreatedAt:   service.CreatedAt,
		})
	}
	return summaries, nil
}

// CountWorkspaces reports how many managed workspaces exist and how many
// have a running task. Feeds the resource monitor's container counts.
func (c *Client) CountWorkspaces(ctx context.Context) (int, int, error) {
	labelFilter := filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
	services, err := c.docker.ServiceList(ctx, swarmtypes.ServiceListOptions{Filters: labelFilter})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list services: %w", err)
	}

	managed := make(map[string]bool, len(services))
	for _, service := range services {
		managed[service.ID] = true
	}

	runningFilter := filters.NewArgs(filters.Arg("desired-state", "running"))
	tasks, err := c.docker.TaskList(ctx, swarmtypes.TaskListOptions{Filters: runningFilter})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	runningServices := make(map[string]bool)
	for _, task := range tasks {
		if managed[task.ServiceID] && task.Status.State == swarmtypes.TaskStateRunning {
			runningServices[task.ServiceID] = true
		}
	}
	return len(runningServices), len(services), nil
}

// Restart forces a rolling restart of the workspace service by bumping the
// task template's ForceUpdate counter.
func (c *Client) Restart(ctx context.Context, id string) error {
	name := ServiceName(id)

	service, _, err := c.docker.ServiceInspectWithRaw(ctx, name, swarmtypes.ServiceInspectOptions{})
	if err != nil {
		return fmt.Errorf("failed to inspect service %s: %w", name, err)
	}

	spec := service.Spec
	spec.TaskTemplate.ForceUpdate++
	if _, err := c.docker.ServiceUpdate(ctx, service.ID, service.Version, spec, swarmtypes.ServiceUpdateOptions{}); err != nil {
		return fmt.Errorf("failed to restart service %s: %w", name, err)
	}

	c.logger.WithField("workspace_id", id).Info("Workspace service restarted")
	return nil
}

// Logs opens the multiplexed log stream of a workspace service. The caller
// owns the returned reader; cancelling ctx tears the stream down.
func (c *Client) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	name := ServiceName(id)
	reader, err := c.docker.ServiceLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
		Tail:       "200",
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("service %s not found: %w", name, err)
		}
		return nil, fmt.Errorf("failed to open logs for %s: %w", name, err)
	}
	return reader, nil
}

// serviceSpec builds the Swarm service specification for a workspace.
func (c *Client) serviceSpec(name string, opts CreateOptions) swarmtypes.ServiceSpec {
	one := uint64(1)
	maxAttempts := uint64(3)

	env := []string{
		"WORKBENCH_ID=" + opts.ID,
	}
	if opts.StorageBucket != "" {
		env = append(env,
			"S3_BUCKET="+opts.StorageBucket,
			"S3_REGION="+opts.StorageRegion,
		)
	}
	if opts.Credentials != nil {
		env = append(env,
			"AWS_ACCESS_KEY_ID="+opts.Credentials.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY="+opts.Credentials.SecretAccessKey,
		)
		if opts.Credentials.SessionToken != "" {
			env = append(env, "AWS_SESSION_TOKEN="+opts.Credentials.SessionToken)
		}
	}
	if opts.VNCPassword != "" {
		env = append(env, "VNC_PASSWORD="+opts.VNCPassword)
	}

	labels := map[string]string{
		ManagedLabel:   "true",
		IDLabel:        opts.ID,
		PreWarmedLabel: fmt.Sprintf("%t", opts.PreWarmed),
	}
	for key, value := range routingLabels(opts.ID, c.cfg.RoutingDomain) {
		labels[key] = value
	}

	return swarmtypes.ServiceSpec{
		Annotations: swarmtypes.Annotations{
			Name:   name,
			Labels: labels,
		},
		TaskTemplate: swarmtypes.TaskSpec{
			ContainerSpec: &swarmtypes.ContainerSpec{
				Image: c.cfg.Image,
				Env:   env,
			},
			Resources: &swarmtypes.ResourceRequirements{
				Limits: &swarmtypes.Limit{
					NanoCPUs:    int64(c.cfg.CPULimit * 1e9),
					MemoryBytes: c.cfg.MemoryLimit,
				},
			},
			RestartPolicy: &swarmtypes.RestartPolicy{
				Condition:   swarmtypes.RestartPolicyConditionOnFailure,
				MaxAttempts: &maxAttempts,
			},
		},
		Mode: swarmtypes.ServiceMode{
			Replicated: &swarmtypes.ReplicatedService{Replicas: &one},
		},
		EndpointSpec: &swarmtypes.EndpointSpec{
			Mode: swarmtypes.ResolutionModeVIP,
		},
	}
}

// routingLabels produces the reverse-proxy labels that expose the three
// workspace endpoints under per-workspace hostnames.
func routingLabels(id, domain string) map[string]string {
	labels := map[string]string{"traefik.enable": "true"}
	for endpoint, port := range map[string]int{
		api.EndpointDesktop: desktopPort,
		api.EndpointEditor:  editorPort,
		api.EndpointPreview: previewPort,
	} {
		router := fmt.Sprintf("%s-%s", id, endpoint)
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", router)] =
			fmt.Sprintf("Host(`%s.%s`)", router, domain)
		labels[fmt.Sprintf("traefik.http.routers.%s.service", router)] = router
		labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router)] =
			fmt.Sprintf("%d", port)
	}
	return labels
}
