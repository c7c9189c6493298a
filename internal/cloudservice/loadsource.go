package cloudservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/cluster"
	"github.com/cuemby/fleetwright/internal/domain"
)

const rpcChannelLoad = "fleetwright.cloudservice.load"

// ClusterLoadSource answers placement's LoadOf either locally (for the
// local node) or by RPC over the bus (for a remote peer), per §4.7's
// "Each candidate is asked for its current resource usage".
type ClusterLoadSource struct {
	cluster      *cluster.Provider
	bus          *bus.Bus
	manager      *Manager
	maxMemoryMiB int
}

// NewClusterLoadSource wires a ClusterLoadSource against manager for
// local answers and registers the RPC handler remote peers call.
func NewClusterLoadSource(cl *cluster.Provider, b *bus.Bus, manager *Manager, maxMemoryMiB int) *ClusterLoadSource {
	s := &ClusterLoadSource{cluster: cl, bus: b, manager: manager, maxMemoryMiB: maxMemoryMiB}
	b.RegisterRPC(rpcChannelLoad, func(_ json.RawMessage) (any, error) {
		return s.localLoad(), nil
	})
	return s
}

type loadResponse struct {
	UsedMemoryMiB int `json:"usedMemoryMiB"`
	MaxMemoryMiB  int `json:"maxMemoryMiB"`
	ServiceCount  int `json:"serviceCount"`
}

func (s *ClusterLoadSource) localLoad() loadResponse {
	used := 0
	s.manager.mu.RLock()
	for _, svc := range s.manager.services {
		svc.mu.Lock()
		used += svc.config.Process.MaxHeapMemoryMiB
		svc.mu.Unlock()
	}
	count := len(s.manager.services)
	s.manager.mu.RUnlock()

	return loadResponse{UsedMemoryMiB: used, MaxMemoryMiB: s.maxMemoryMiB, ServiceCount: count}
}

// LoadOf implements LoadSource.
func (s *ClusterLoadSource) LoadOf(ctx context.Context, nodeUniqueID uuid.UUID) (NodeLoad, error) {
	local := s.cluster.LocalIdentity().UniqueID
	head := s.cluster.HeadIdentity()

	if nodeUniqueID == local {
		lr := s.localLoad()
		return NodeLoad{NodeUniqueID: nodeUniqueID, UsedMemoryMiB: lr.UsedMemoryMiB, MaxMemoryMiB: lr.MaxMemoryMiB, ServiceCount: lr.ServiceCount, IsHead: nodeUniqueID == head}, nil
	}

	resp, err := bus.CallRPC[struct{}, loadResponse](ctx, s.bus, domain.Target{Kind: domain.TargetNode, Name: nodeUniqueID.String()}, rpcChannelLoad, struct{}{}, 5*time.Second)
	if err != nil {
		return NodeLoad{}, fmt.Errorf("cloudservice: load query to %s: %w", nodeUniqueID, err)
	}
	return NodeLoad{NodeUniqueID: nodeUniqueID, UsedMemoryMiB: resp.UsedMemoryMiB, MaxMemoryMiB: resp.MaxMemoryMiB, ServiceCount: resp.ServiceCount, IsHead: nodeUniqueID == head}, nil
}

// Candidates gathers NodeLoad for the local node plus every READY,
// non-drain peer, for use as SelectNode's candidate list.
func (s *ClusterLoadSource) Candidates(ctx context.Context) []NodeLoad {
	var out []NodeLoad
	local := s.cluster.LocalIdentity().UniqueID
	if load, err := s.LoadOf(ctx, local); err == nil {
		out = append(out, load)
	}
	for _, ns := range s.cluster.NodeServers() {
		if ns.State != domain.NodeReady || ns.Drain {
			continue
		}
		if load, err := s.LoadOf(ctx, ns.Identity.UniqueID); err == nil {
			out = append(out, load)
		}
	}
	return out
}
