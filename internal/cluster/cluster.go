// Package cluster implements node membership, the node auth handshake,
// and deterministic head election (C6, plus the disconnect-handling half
// of §4.3). It owns the NodeServer roster and is the PeerDirectory the bus
// (C5) and cloud service manager (C8) route through.
//
// Grounded on pkg/manager/manager.go's IsLeader/LeaderAddr accessor pair
// (renamed IsHead/HeadIdentity here) for the "ask the membership view who
// is in charge" shape, and on the arena-and-index ownership pattern from
// Design Notes (cyclic ownership): the Provider owns every NodeServer in a
// map of pointers keyed by uniqueId, hands out only copies of them
// (NodeServers), and a peer's transport close callback
// only ever touches its own slot by id, never a cached pointer into
// another structure.
package cluster

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/cuemby/fleetwright/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NodeServer is one peer's membership record.
type NodeServer struct {
	Identity        domain.NodeIdentity
	State           domain.NodeServerState
	Head            bool
	Drain           bool
	LastStateChange int64

	conn *transport.Conn
}

// Name returns the peer's uniqueId in string form, used as its directory
// name for bus routing; NodeIdentity carries no other stable name.
func (n *NodeServer) Name() string { return n.Identity.UniqueID.String() }

// Send implements bus.Peer by writing a channel-message frame to the
// peer's live connection.
func (n *NodeServer) Send(f transport.Frame) error {
	if n.conn == nil {
		return fmt.Errorf("cluster: node %s has no live connection", n.Name())
	}
	return n.conn.Write(f)
}

// EventSink receives membership events the rest of the system reacts to:
// a changed head, and a peer that needs its owned services torn down.
type EventSink interface {
	HeadChanged(newHead domain.NodeIdentity)
	PeerDisconnected(nodeUniqueID uuid.UUID)
}

// Provider owns the NodeServer roster for one running node.
type Provider struct {
	mu     sync.RWMutex
	local  domain.NodeIdentity
	peers  map[uuid.UUID]*NodeServer
	sink   EventSink
	log    zerolog.Logger
	config domain.ClusterConfig
}

// NewProvider creates a Provider seeded from cfg. The local node is always
// considered present and, once READY peers are known, participates in
// head election.
func NewProvider(cfg domain.ClusterConfig, sink EventSink, log zerolog.Logger) *Provider {
	p := &Provider{
		local:  cfg.LocalNode,
		peers:  make(map[uuid.UUID]*NodeServer),
		sink:   sink,
		log:    log,
		config: cfg,
	}
	for _, remote := range cfg.RemoteNodes {
		p.peers[remote.UniqueID] = &NodeServer{Identity: remote, State: domain.NodeUnavailable}
	}
	return p
}

// LocalNodeName satisfies bus.PeerDirectory.
func (p *Provider) LocalNodeName() string { return p.local.UniqueID.String() }

// LocalIdentity returns this node's own identity.
func (p *Provider) LocalIdentity() domain.NodeIdentity { return p.local }

// Peer satisfies bus.PeerDirectory: only READY peers are routable.
func (p *Provider) Peer(name string) (bus.Peer, bool) {
	id, err := uuid.Parse(name)
	if err != nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ns, ok := p.peers[id]
	if !ok || ns.State != domain.NodeReady {
		return nil, false
	}
	return ns, true
}

// Peers satisfies bus.PeerDirectory: every currently READY peer.
func (p *Provider) Peers() []bus.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []bus.Peer
	for _, ns := range p.peers {
		if ns.State == domain.NodeReady {
			out = append(out, ns)
		}
	}
	return out
}

// NodeServers returns a snapshot of every known peer, any state.
func (p *Provider) NodeServers() []*NodeServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*NodeServer, 0, len(p.peers))
	for _, ns := range p.peers {
		cp := *ns
		out = append(out, &cp)
	}
	return out
}

// IsHead reports whether the local node currently holds the head role.
func (p *Provider) IsHead() bool {
	return p.headIdentity() == p.local.UniqueID
}

// HeadIdentity returns the uniqueId of whichever node (local or peer) is
// currently head: the smallest uniqueId among the local node and all
// READY peers, recomputed on demand rather than cached, per §4.3.
func (p *Provider) HeadIdentity() uuid.UUID {
	return p.headIdentity()
}

func (p *Provider) headIdentity() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	smallest := p.local.UniqueID
	for _, ns := range p.peers {
		if ns.State != domain.NodeReady {
			continue
		}
		if less(ns.Identity.UniqueID, smallest) {
			smallest = ns.Identity.UniqueID
		}
	}
	return smallest
}

func less(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// recomputeHead updates each NodeServer's Head flag and, if the head
// changed, notifies the sink and re-emits metrics. Callers must hold no
// lock; recomputeHead takes its own.
func (p *Provider) recomputeHead() {
	head := p.headIdentity()

	p.mu.Lock()
	changed := false
	for _, ns := range p.peers {
		wasHead := ns.Head
		ns.Head = ns.Identity.UniqueID == head
		if wasHead != ns.Head {
			changed = true
		}
	}
	p.mu.Unlock()

	if p.IsHead() {
		metrics.ClusterIsHead.Set(1)
	} else {
		metrics.ClusterIsHead.Set(0)
	}

	if changed && p.sink != nil {
		p.mu.RLock()
		var identity domain.NodeIdentity
		if head == p.local.UniqueID {
			identity = p.local
		} else if ns, ok := p.peers[head]; ok {
			identity = ns.Identity
		}
		p.mu.RUnlock()
		p.sink.HeadChanged(identity)
	}
}

func (p *Provider) updatePeerMetrics() {
	counts := map[domain.NodeServerState]int{}
	p.mu.RLock()
	for _, ns := range p.peers {
		counts[ns.State]++
	}
	p.mu.RUnlock()
	for _, state := range []domain.NodeServerState{domain.NodeUnavailable, domain.NodeConnected, domain.NodeSyncing, domain.NodeReady, domain.NodeDisconnected} {
		metrics.ClusterPeersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// transitionState moves a peer to a new state and triggers the side
// effects described in §4.3: head recomputation, metrics, and (on
// DISCONNECTED) notifying the sink so owned services get torn down.
func (p *Provider) transitionState(id uuid.UUID, state domain.NodeServerState) {
	p.mu.Lock()
	ns, ok := p.peers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	wasDisconnecting := state == domain.NodeDisconnected && ns.State != domain.NodeDisconnected
	ns.State = state
	ns.LastStateChange = domain.NowMillis()
	p.mu.Unlock()

	p.recomputeHead()
	p.updatePeerMetrics()

	if wasDisconnecting && p.sink != nil {
		p.sink.PeerDisconnected(id)
	}
}

// HandleDisconnect is called by the transport layer when a peer
// connection closes.
func (p *Provider) HandleDisconnect(id uuid.UUID) {
	p.transitionState(id, domain.NodeDisconnected)
	p.mu.Lock()
	if ns, ok := p.peers[id]; ok {
		ns.conn = nil
	}
	p.mu.Unlock()
}

// AuthOutcome is the result of an inbound or outbound authorization
// handshake.
type AuthOutcome struct {
	Accepted  bool
	Reinit    bool
	Snapshot  []byte
	Reason    string
}

// isWhitelisted reports whether addr's host is allowed to complete the
// AUTH_NODE handshake. A whitelist entry may name an IPAliases key
// instead of a literal address/CIDR, resolved here before matching. An
// empty whitelist imposes no restriction.
func (p *Provider) isWhitelisted(addr net.Addr) bool {
	if len(p.config.IPWhitelist) == 0 {
		return true
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, entry := range p.config.IPWhitelist {
		if resolved, ok := p.config.IPAliases[entry]; ok {
			entry = resolved
		}
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entryIP := net.ParseIP(entry); entryIP != nil && entryIP.Equal(ip) {
			return true
		}
	}
	return false
}

// HandleInboundAuth processes an AUTH_NODE frame from an initiator,
// implementing the acceptor side of §4.3.
func (p *Provider) HandleInboundAuth(clusterID uuid.UUID, from domain.NodeIdentity, conn *transport.Conn, buildSnapshot func() []byte) AuthOutcome {
	if clusterID != p.config.ClusterID {
		return AuthOutcome{Accepted: false, Reason: "cluster id mismatch"}
	}
	if conn != nil && !p.isWhitelisted(conn.RemoteAddr()) {
		p.log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("rejecting AUTH_NODE from non-whitelisted address")
		return AuthOutcome{Accepted: false, Reason: "source address not in whitelist"}
	}

	p.mu.Lock()
	ns, ok := p.peers[from.UniqueID]
	if !ok {
		p.mu.Unlock()
		return AuthOutcome{Accepted: false, Reason: "unknown node identity"}
	}
	wasDisconnected := ns.State == domain.NodeDisconnected || ns.State == domain.NodeUnavailable
	ns.conn = conn
	if wasDisconnected {
		ns.State = domain.NodeSyncing
	} else {
		ns.State = domain.NodeReady
	}
	ns.LastStateChange = domain.NowMillis()
	p.mu.Unlock()

	p.recomputeHead()
	p.updatePeerMetrics()

	if wasDisconnected {
		var snap []byte
		if buildSnapshot != nil {
			snap = buildSnapshot()
		}
		return AuthOutcome{Accepted: true, Reinit: true, Snapshot: snap}
	}
	return AuthOutcome{Accepted: true}
}

// CompleteSync marks a SYNCING peer READY once it has acknowledged the
// authoritative snapshot.
func (p *Provider) CompleteSync(id uuid.UUID) {
	p.transitionState(id, domain.NodeReady)
}

// Connect dials a configured remote node, binds the connection to that
// peer's NodeServer and marks it CONNECTED. It sends no frame: the caller
// drives the auth handshake and then starts Serve.
func (p *Provider) Connect(ctx context.Context, remote domain.NodeIdentity, addr string) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, addr, p.log)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
	}

	p.mu.Lock()
	if ns, ok := p.peers[remote.UniqueID]; ok {
		ns.conn = conn
		ns.State = domain.NodeConnected
	}
	p.mu.Unlock()

	return conn, nil
}
