package swarm

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	swarmtypes "github.com/docker/docker/api/types/swarm"

	"github.com/ao/workbench/pkg/api"
)

// Nodes lists cluster members with role, availability, and status. Each call
// reflects live cluster state; nothing is cached or persisted.
func (c *Client) Nodes(ctx context.Context) ([]api.NodeInfo, error) {
	nodes, err := c.docker.NodeList(ctx, swarmtypes.NodeListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	infos := make([]api.NodeInfo, 0, len(nodes))
	for _, node := range nodes {
		infos = append(infos, nodeInfo(node))
	}
	return infos, nil
}

// NodeMetrics returns per-node resource reservations, running task counts,
// and a derived health label.
func (c *Client) NodeMetrics(ctx context.Context) ([]api.NodeMetrics, error) {
	nodes, err := c.docker.NodeList(ctx, swarmtypes.NodeListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	runningFilter := filters.NewArgs(filters.Arg("desired-state", "running"))
	tasks, err := c.docker.TaskList(ctx, swarmtypes.TaskListOptions{Filters: runningFilter})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	type reservation struct {
		nanoCPUs int64
		memory   int64
		running  int
	}
	perNode := make(map[string]*reservation)
	for _, task := range tasks {
		if task.Status.State != swarmtypes.TaskStateRunning {
			continue
		}
		res, ok := perNode[task.NodeID]
		if !ok {
			res = &reservation{}
			perNode[task.NodeID] = res
		}
		res.running++
		if task.Spec.Resources != nil && task.Spec.Resources.Limits != nil {
			res.nanoCPUs += task.Spec.Resources.Limits.NanoCPUs
			res.memory += task.Spec.Resources.Limits.MemoryBytes
		}
	}

	metrics := make([]api.NodeMetrics, 0, len(nodes))
	for _, node := range nodes {
		m := api.NodeMetrics{NodeInfo: nodeInfo(node)}
		m.CPUTotal = float64(node.Description.Resources.NanoCPUs) / 1e9
		m.MemoryTotalBytes = node.Description.Resources.MemoryBytes
		if res, ok := perNode[node.ID]; ok {
			m.CPUReserved = float64(res.nanoCPUs) / 1e9
			m.MemoryReserved = res.memory
			m.ContainersRunning = res.running
		}
		m.Health = nodeHealthLabel(node, m)
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func nodeInfo(node swarmtypes.Node) api.NodeInfo {
	info := api.NodeInfo{
		ID:           node.ID,
		Hostname:     node.Description.Hostname,
		Role:         string(node.Spec.Role),
		Availability: string(node.Spec.Availability),
		Status:       string(node.Status.State),
		Address:      node.Status.Addr,
		EngineVer:    node.Description.Engine.EngineVersion,
	}
	return info
}

// nodeHealthLabel derives a coarse health label from node state and
// reservation pressure.
func nodeHealthLabel(node swarmtypes.Node, m api.NodeMetrics) string {
	if node.Status.State != swarmtypes.NodeStateReady {
		return "unhealthy"
	}
	if node.Spec.Availability != swarmtypes.NodeAvailabilityActive {
		return "degraded"
	}
	if m.CPUTotal > 0 && m.CPUReserved/m.CPUTotal > 0.9 {
		return "degraded"
	}
	if m.MemoryTotalBytes > 0 && float64(m.MemoryReserved)/float64(m.MemoryTotalBytes) > 0.9 {
		return "degraded"
	}
	return "healthy"
}
