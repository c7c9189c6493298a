// Package domain holds the cluster's shared data model: the types every
// component (registry, transport, bus, cluster, data sync, cloud service
// manager) passes around. None of these types carry behavior beyond small
// accessors; serialization of their bytes payloads is treated as opaque,
// per the node boundary contract.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Environment groups services by the kind of workload they run.
type Environment string

const (
	EnvironmentMinecraft Environment = "MINECRAFT"
	EnvironmentProxy     Environment = "PROXY"
	EnvironmentGeneric   Environment = "GENERIC"
)

// NodeIdentity is the immutable self-description a node presents on every
// handshake.
type NodeIdentity struct {
	UniqueID        uuid.UUID `json:"uniqueId" yaml:"uniqueId"`
	ListenAddresses []string  `json:"listenAddresses" yaml:"listenAddresses"`
}

// ClusterConfig is the mutable, disk-persisted cluster-wide configuration.
type ClusterConfig struct {
	ClusterID    uuid.UUID         `json:"clusterId" yaml:"clusterId"`
	LocalNode    NodeIdentity      `json:"localNode" yaml:"localNode"`
	RemoteNodes  []NodeIdentity    `json:"remoteNodes" yaml:"remoteNodes"`
	IPWhitelist  []string          `json:"ipWhitelist" yaml:"ipWhitelist"`
	IPAliases    map[string]string `json:"ipAliases" yaml:"ipAliases"`
	MaxMemoryMiB int               `json:"maxMemoryMiB" yaml:"maxMemoryMiB"`
	JavaCommand  string            `json:"javaCommand" yaml:"javaCommand"`
}

// NodeServerState is a peer's position in the auth/sync state machine.
type NodeServerState string

const (
	NodeUnavailable NodeServerState = "UNAVAILABLE"
	NodeConnected   NodeServerState = "CONNECTED"
	NodeSyncing     NodeServerState = "SYNCING"
	NodeReady       NodeServerState = "READY"
	NodeDisconnected NodeServerState = "DISCONNECTED"
)

// ServiceID uniquely and globally identifies one service instance.
type ServiceID struct {
	UniqueID     uuid.UUID   `json:"uniqueId"`
	TaskName     string      `json:"taskName"`
	NameSuffix   int         `json:"nameSuffix"`
	NodeUniqueID uuid.UUID   `json:"nodeUniqueId"`
	Environment  Environment `json:"environment"`
}

// Name is the display name, "<taskName>-<nameSuffix>".
func (s ServiceID) Name() string {
	return fmt.Sprintf("%s-%d", s.TaskName, s.NameSuffix)
}

// ProcessConfiguration describes the process a service runs.
type ProcessConfiguration struct {
	MaxHeapMemoryMiB int      `json:"maxHeapMemoryMiB"`
	JVMOptions       []string `json:"jvmOptions"`
	ProcessArgs      []string `json:"processArgs"`
}

// ServiceTemplate is one directory to materialize into a service's working
// directory before start.
type ServiceTemplate struct {
	Storage string `json:"storage"`
	Prefix  string `json:"prefix"`
	Name    string `json:"name"`
}

// ServiceRemoteInclusion is one URL to fetch into a service's working
// directory before start.
type ServiceRemoteInclusion struct {
	URL  string `json:"url"`
	Dest string `json:"dest"`
}

// ServiceDeployment is one glob selection of files to push back to a
// template storage on stop.
type ServiceDeployment struct {
	Storage        string   `json:"storage"`
	Prefix         string   `json:"prefix"`
	Name           string   `json:"name"`
	Includes       []string `json:"includes"`
	Excludes       []string `json:"excludes"`
	CaseSensitive  bool     `json:"caseSensitive"`
}

// ServiceConfiguration is the immutable template a ServiceID is created
// from.
type ServiceConfiguration struct {
	TaskName     string                   `json:"taskName"`
	TaskID       int                      `json:"taskId,omitempty"`
	Environment  Environment              `json:"environment"`
	Groups       []string                 `json:"groups"`
	Templates    []ServiceTemplate        `json:"templates"`
	Inclusions   []ServiceRemoteInclusion `json:"inclusions"`
	Deployments  []ServiceDeployment      `json:"deployments"`
	Process      ProcessConfiguration     `json:"process"`
	PortHint     int                      `json:"portHint"`
	Node         string                   `json:"node,omitempty"`
	Properties   map[string]string        `json:"properties"`
}

// LifeCycle is a service's position in the create/start/stop/delete state
// machine.
type LifeCycle string

const (
	LifeCyclePrepared LifeCycle = "PREPARED"
	LifeCycleStarting LifeCycle = "STARTING"
	LifeCycleRunning  LifeCycle = "RUNNING"
	LifeCycleStopped  LifeCycle = "STOPPED"
	LifeCycleDeleted  LifeCycle = "DELETED"
)

// lifecycleOrder gives each LifeCycle a position for order-violation
// checks; STOPPED sits after RUNNING and before DELETED, but is also the
// accepted post-STARTING-failure state, so transitions are validated with
// an explicit adjacency table (see cloudservice) rather than a strict
// numeric compare.
var lifecycleOrder = map[LifeCycle]int{
	LifeCyclePrepared: 0,
	LifeCycleStarting: 1,
	LifeCycleRunning:  2,
	LifeCycleStopped:  3,
	LifeCycleDeleted:  4,
}

// Rank returns the lifecycle's position for logging/ordering purposes.
func (l LifeCycle) Rank() int { return lifecycleOrder[l] }

// ProcessSnapshot is a point-in-time view of the running process, if any.
type ProcessSnapshot struct {
	PID           int     `json:"pid"`
	HeapUsageMiB  int     `json:"heapUsageMiB"`
	CPUUsage      float64 `json:"cpuUsage"`
}

// ServiceInfoSnapshot is the replicated, shared view of one service.
type ServiceInfoSnapshot struct {
	ServiceID       ServiceID            `json:"serviceId"`
	Address         string               `json:"address"`
	Process         ProcessSnapshot      `json:"process"`
	Configuration   ServiceConfiguration `json:"configuration"`
	CreationTimeMs  int64                `json:"creationTimeMs"`
	ConnectedTimeMs int64                `json:"connectedTimeMs"`
	LifeCycle       LifeCycle            `json:"lifeCycle"`
	Properties      map[string]string    `json:"properties"`
}

// NowMillis is the one allowed wall-clock read in the domain package; every
// other package takes a clock or timestamp as an argument so tests stay
// deterministic.
func NowMillis() int64 { return time.Now().UnixMilli() }

// ServiceTask is a named, disk-persisted declarative task definition.
type ServiceTask struct {
	Name          string                   `json:"name" yaml:"name"`
	Groups        []string                 `json:"groups" yaml:"groups"`
	Environment   Environment              `json:"environment" yaml:"environment"`
	MinServices   int                      `json:"minServiceCount" yaml:"minServiceCount"`
	Templates     []ServiceTemplate        `json:"templates" yaml:"templates"`
	Inclusions    []ServiceRemoteInclusion `json:"inclusions" yaml:"inclusions"`
	Deployments   []ServiceDeployment      `json:"deployments" yaml:"deployments"`
	Process       ProcessConfiguration     `json:"process" yaml:"process"`
	StartPort     int                      `json:"startPort" yaml:"startPort"`
}

// GroupConfiguration is a named tag attached to tasks/services for bulk
// targeting, carrying its own template/inclusion/deployment defaults that
// member tasks inherit.
type GroupConfiguration struct {
	Name        string                   `json:"name" yaml:"name"`
	Templates   []ServiceTemplate        `json:"templates" yaml:"templates"`
	Inclusions  []ServiceRemoteInclusion `json:"inclusions" yaml:"inclusions"`
	Deployments []ServiceDeployment      `json:"deployments" yaml:"deployments"`
}

// TargetKind is the kind of a ChannelMessage Target.
type TargetKind string

const (
	TargetAll         TargetKind = "ALL"
	TargetAllNodes    TargetKind = "ALL_NODES"
	TargetAllServices TargetKind = "ALL_SERVICES"
	TargetNode        TargetKind = "NODE"
	TargetService     TargetKind = "SERVICE"
	TargetTask        TargetKind = "TASK"
	TargetGroup       TargetKind = "GROUP"
	TargetEnvironment TargetKind = "ENVIRONMENT"
)

// Target addresses one or more recipients of a ChannelMessage.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name,omitempty"`
}

// ChannelMessage is the unit routed by the channel-message bus.
type ChannelMessage struct {
	Sender        string   `json:"sender"`
	Targets       []Target `json:"targets"`
	Channel       string   `json:"channel"`
	Message       string   `json:"message"`
	Content       []byte   `json:"content"`
	SendSync      bool     `json:"sendSync"`
	QueryUniqueID string   `json:"queryUniqueId,omitempty"`
}
