// Package cloudservice is the Cloud Service Manager (C8): the central
// state machine for services — placement across nodes, id assignment,
// the PREPARED/STARTING/RUNNING/STOPPED/DELETED lifecycle, staging,
// deployment, the service agent channel, and screen forwarding.
//
// Grounded on pkg/worker/worker.go's container map + per-container
// lifecycle tracking, generalized from a single manager-assigned
// container id to the spec's placement+allocation flow, and on
// pkg/scheduler/scheduler.go's weighted-candidate placement shape.
package cloudservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/clustererr"
	"github.com/cuemby/fleetwright/internal/cluster"
	"github.com/cuemby/fleetwright/internal/datasync"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/cuemby/fleetwright/internal/runner"
	"github.com/cuemby/fleetwright/internal/storage"
	"github.com/cuemby/fleetwright/internal/transport"
	"github.com/rs/zerolog"
)

// NodeLoad is a candidate node's current resource usage, as reported by
// the placement query.
type NodeLoad struct {
	NodeUniqueID   uuid.UUID
	UsedMemoryMiB  int
	MaxMemoryMiB   int
	ServiceCount   int
	IsHead         bool
}

// weight is lower-is-better: memory fraction dominates, service count is
// a tie-break factor, following §4.7's "lowest weighted load wins".
func (n NodeLoad) weight() float64 {
	memFrac := 0.0
	if n.MaxMemoryMiB > 0 {
		memFrac = float64(n.UsedMemoryMiB) / float64(n.MaxMemoryMiB)
	}
	return memFrac*100 + float64(n.ServiceCount)
}

// LoadSource asks a candidate node (local or remote) for its current
// resource usage. Implementations for remote nodes route the question
// over the bus; the local implementation reads local state directly.
type LoadSource interface {
	LoadOf(ctx context.Context, nodeUniqueID uuid.UUID) (NodeLoad, error)
}

// service is the manager's in-memory handle for one tracked service.
type service struct {
	mu        sync.Mutex
	snapshot  domain.ServiceInfoSnapshot
	config    domain.ServiceConfiguration
	pid       int
	connKey   string
	agentConn *transport.Conn
	backlog   *ringBuffer
	screenOn  map[string]bool // caller channel name -> forwarding enabled
}

// Manager is the Cloud Service Manager.
type Manager struct {
	log     zerolog.Logger
	cluster *cluster.Provider
	bus     *bus.Bus
	sync    *datasync.Registry
	store   *storage.Store
	runner    runner.ServiceRunner
	load      LoadSource
	templates TemplateStorage

	mu       sync.RWMutex
	services map[uuid.UUID]*service
	nextID   map[string]int // taskName -> next free suffix, local allocator cache
}

const servicesBucket = "services"
const backlogSize = 128

// New constructs a Manager. store persists ServiceInfoSnapshot records
// (wired into sync via a BoltHandler so every node converges on the same
// view); runner launches the actual child processes. load may be nil at
// construction time and supplied later via SetLoadSource: a
// ClusterLoadSource needs a *Manager to answer local load queries, so
// the two are built in sequence and wired together the same way
// bus.Bus/Manager resolve their own construction-order cycle.
func New(cl *cluster.Provider, b *bus.Bus, sy *datasync.Registry, store *storage.Store, r runner.ServiceRunner, load LoadSource, templates TemplateStorage, log zerolog.Logger) *Manager {
	return &Manager{
		log:       log,
		cluster:   cl,
		bus:       b,
		sync:      sy,
		store:     store,
		runner:    r,
		load:      load,
		templates: templates,
		services:  make(map[uuid.UUID]*service),
		nextID:    make(map[string]int),
	}
}

// SetLoadSource wires the LoadSource in after construction.
func (m *Manager) SetLoadSource(load LoadSource) {
	m.load = load
}

// Services implements bus.ServiceDirectory.
func (m *Manager) Services() []bus.ServiceEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bus.ServiceEndpoint, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, &serviceEndpoint{m: m, svc: s})
	}
	return out
}

// Service implements bus.ServiceDirectory by display name.
func (m *Manager) Service(name string) (bus.ServiceEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.services {
		s.mu.Lock()
		n := s.snapshot.ServiceID.Name()
		s.mu.Unlock()
		if n == name {
			return &serviceEndpoint{m: m, svc: s}, true
		}
	}
	return nil, false
}

// serviceEndpoint adapts a tracked service to bus.ServiceEndpoint.
type serviceEndpoint struct {
	m   *Manager
	svc *service
}

func (e *serviceEndpoint) Name() string {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return e.svc.snapshot.ServiceID.Name()
}
func (e *serviceEndpoint) TaskName() string {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return e.svc.snapshot.ServiceID.TaskName
}
func (e *serviceEndpoint) Groups() []string {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return append([]string(nil), e.svc.config.Groups...)
}
func (e *serviceEndpoint) Environment() domain.Environment {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return e.svc.snapshot.ServiceID.Environment
}
func (e *serviceEndpoint) OwnerNode() string {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return e.svc.snapshot.ServiceID.NodeUniqueID.String()
}
func (e *serviceEndpoint) IsLocal() bool {
	e.svc.mu.Lock()
	owner := e.svc.snapshot.ServiceID.NodeUniqueID
	e.svc.mu.Unlock()
	return owner == e.m.cluster.LocalIdentity().UniqueID
}
func (e *serviceEndpoint) Send(f transport.Frame) error {
	e.svc.mu.Lock()
	conn := e.svc.agentConn
	e.svc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("cloudservice: service %s has no bound agent channel", e.Name())
	}
	return conn.Write(f)
}

// ---- placement ----

// SelectNode picks a placement target for cfg, per §4.7: if cfg.Node is
// already set, it is the only candidate; otherwise the manager evaluates
// local+READY non-drain candidates and picks the lowest-weighted one,
// ties broken by head-first then smallest uniqueId.
func (m *Manager) SelectNode(ctx context.Context, cfg domain.ServiceConfiguration, candidates []NodeLoad) (uuid.UUID, error) {
	if cfg.Node != "" {
		var pinned []NodeLoad
		for _, c := range candidates {
			if c.NodeUniqueID.String() == cfg.Node {
				pinned = append(pinned, c)
			}
		}
		candidates = pinned
	}
	if len(candidates) == 0 {
		return uuid.Nil, clustererr.PlacementNoCandidate
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := candidates[i].weight(), candidates[j].weight()
		if wi != wj {
			return wi < wj
		}
		if candidates[i].IsHead != candidates[j].IsHead {
			return candidates[i].IsHead
		}
		return less(candidates[i].NodeUniqueID, candidates[j].NodeUniqueID)
	})
	return candidates[0].NodeUniqueID, nil
}

func less(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ---- id assignment ----

// AllocateServiceID reserves a nameSuffix for taskName: the lowest
// positive integer, at or above the per-task counter in nextID, that no
// tracked service of the task uses. The counter only moves up, so a
// suffix below it is not handed out again after its service is removed.
// If the cluster head is a different node, callers are
// expected to route this call through a head-bound RPC instead of
// calling AllocateServiceID directly on a non-head node — see
// AllocateServiceIDViaHead.
func (m *Manager) AllocateServiceID(taskName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := make(map[int]bool)
	for _, s := range m.services {
		s.mu.Lock()
		if s.snapshot.ServiceID.TaskName == taskName {
			used[s.snapshot.ServiceID.NameSuffix] = true
		}
		s.mu.Unlock()
	}
	next := m.nextID[taskName]
	if next < 1 {
		next = 1
	}
	for used[next] {
		next++
	}
	m.nextID[taskName] = next + 1
	return next
}

// allocateServiceIDRequest/allocateServiceIDResponse are the wire types
// for the head-routed allocation RPC.
type allocateServiceIDRequest struct {
	TaskName string `json:"taskName"`
}
type allocateServiceIDResponse struct {
	NameSuffix int `json:"nameSuffix"`
}

const rpcChannelAllocateID = "fleetwright.cloudservice.allocate_id"

// RegisterAllocationRPC wires AllocateServiceID as a head-routed RPC
// handler, following §4.7's "route through head to avoid collisions".
func (m *Manager) RegisterAllocationRPC() {
	m.bus.RegisterRPC(rpcChannelAllocateID, func(raw json.RawMessage) (any, error) {
		var req allocateServiceIDRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return allocateServiceIDResponse{NameSuffix: m.AllocateServiceID(req.TaskName)}, nil
	})
}

// AllocateServiceIDViaHead resolves a nameSuffix for taskName, routing
// through the current head if it is not this node (§4.7 "ID assignment").
func (m *Manager) AllocateServiceIDViaHead(ctx context.Context, taskName string) (int, error) {
	if m.cluster.IsHead() {
		return m.AllocateServiceID(taskName), nil
	}
	resp, err := bus.CallRPC[allocateServiceIDRequest, allocateServiceIDResponse](
		ctx, m.bus, domain.Target{Kind: domain.TargetNode, Name: m.cluster.HeadIdentity().String()},
		rpcChannelAllocateID, allocateServiceIDRequest{TaskName: taskName}, 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("cloudservice: allocate id via head: %w", err)
	}
	return resp.NameSuffix, nil
}

// ---- metrics ----

func (m *Manager) updateLifecycleMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[domain.LifeCycle]int{}
	for _, s := range m.services {
		s.mu.Lock()
		counts[s.snapshot.LifeCycle]++
		s.mu.Unlock()
	}
	for lc, n := range counts {
		metrics.ServicesTotal.WithLabelValues(string(lc)).Set(float64(n))
	}
}
