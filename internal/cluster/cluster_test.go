package cluster

import (
	"net"
	"testing"

	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/log"
	"github.com/cuemby/fleetwright/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// loopbackConn dials a real TCP loopback listener and returns the
// accepted-side *transport.Conn, whose RemoteAddr is therefore a genuine
// 127.0.0.1 address, for exercising the IP whitelist check.
func loopbackConn(t *testing.T) *transport.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-accepted
	t.Cleanup(func() { server.Close() })
	return transport.NewConn(server, log.WithComponent("test"))
}

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

type recordingSink struct {
	headChanges []domain.NodeIdentity
	disconnects []uuid.UUID
}

func (s *recordingSink) HeadChanged(n domain.NodeIdentity)   { s.headChanges = append(s.headChanges, n) }
func (s *recordingSink) PeerDisconnected(id uuid.UUID)       { s.disconnects = append(s.disconnects, id) }

func idFromByte(b byte) uuid.UUID {
	var id uuid.UUID
	id[15] = b
	return id
}

func threeNodeCluster(t *testing.T) (*Provider, *recordingSink, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	a, b, c := idFromByte(1), idFromByte(2), idFromByte(3)
	cfg := domain.ClusterConfig{
		ClusterID: uuid.New(),
		LocalNode: domain.NodeIdentity{UniqueID: a},
		RemoteNodes: []domain.NodeIdentity{
			{UniqueID: b},
			{UniqueID: c},
		},
	}
	sink := &recordingSink{}
	p := NewProvider(cfg, sink, log.WithComponent("cluster"))

	// Promote B and C to READY directly, as if their handshakes already
	// completed.
	p.mu.Lock()
	p.peers[b].State = domain.NodeReady
	p.peers[c].State = domain.NodeReady
	p.mu.Unlock()
	p.recomputeHead()

	return p, sink, a, b, c
}

func TestHeadIsSmallestUniqueID(t *testing.T) {
	p, _, a, _, _ := threeNodeCluster(t)
	require.Equal(t, a, p.HeadIdentity())
	require.True(t, p.IsHead())
}

func TestHeadMovesToNextSmallestOnDisconnect(t *testing.T) {
	p, sink, a, b, _ := threeNodeCluster(t)
	require.True(t, p.IsHead())

	// Local node A drops out of contention by being marked disconnected
	// from some peer's point of view is not directly modelable from A's
	// own Provider (A never disconnects itself); instead simulate A's
	// local process losing its place by having both peers observe it —
	// here we exercise the symmetric case: B's provider sees A leave.
	cfgB := domain.ClusterConfig{
		ClusterID:   uuid.New(),
		LocalNode:   domain.NodeIdentity{UniqueID: b},
		RemoteNodes: []domain.NodeIdentity{{UniqueID: a}},
	}
	pb := NewProvider(cfgB, sink, log.WithComponent("cluster-b"))
	pb.mu.Lock()
	pb.peers[a].State = domain.NodeReady
	pb.mu.Unlock()
	pb.recomputeHead()
	require.Equal(t, a, pb.HeadIdentity())

	pb.HandleDisconnect(a)
	require.Equal(t, b, pb.HeadIdentity())
	require.True(t, pb.IsHead())
}

func TestDisconnectNotifiesSinkExactlyOnce(t *testing.T) {
	p, sink, _, b, _ := threeNodeCluster(t)
	p.HandleDisconnect(b)
	p.HandleDisconnect(b) // idempotent: state already DISCONNECTED
	require.Len(t, sink.disconnects, 1)
	require.Equal(t, b, sink.disconnects[0])
}

func TestHandleInboundAuthRejectsUnknownClusterID(t *testing.T) {
	p, _, _, _, _ := threeNodeCluster(t)
	outcome := p.HandleInboundAuth(uuid.New(), domain.NodeIdentity{UniqueID: idFromByte(2)}, nil, nil)
	require.False(t, outcome.Accepted)
}

func TestHandleInboundAuthRejectsUnknownNode(t *testing.T) {
	p, _, _, _, _ := threeNodeCluster(t)
	outcome := p.HandleInboundAuth(p.config.ClusterID, domain.NodeIdentity{UniqueID: uuid.New()}, nil, nil)
	require.False(t, outcome.Accepted)
}

func TestReconnectAfterDisconnectTriggersFullSync(t *testing.T) {
	p, _, _, b, _ := threeNodeCluster(t)
	p.HandleDisconnect(b)

	called := false
	outcome := p.HandleInboundAuth(p.config.ClusterID, domain.NodeIdentity{UniqueID: b}, nil, func() []byte {
		called = true
		return []byte("snapshot")
	})
	require.True(t, outcome.Accepted)
	require.True(t, outcome.Reinit)
	require.True(t, called)
	require.Equal(t, []byte("snapshot"), outcome.Snapshot)

	p.CompleteSync(b)
	p.mu.RLock()
	state := p.peers[b].State
	p.mu.RUnlock()
	require.Equal(t, domain.NodeReady, state)
}

func TestHandleInboundAuthRejectsNonWhitelistedAddress(t *testing.T) {
	p, _, _, b, _ := threeNodeCluster(t)
	p.config.IPWhitelist = []string{"203.0.113.5"}

	outcome := p.HandleInboundAuth(p.config.ClusterID, domain.NodeIdentity{UniqueID: b}, loopbackConn(t), nil)
	require.False(t, outcome.Accepted)
	require.Equal(t, "source address not in whitelist", outcome.Reason)
}

func TestHandleInboundAuthAllowsWhitelistedAlias(t *testing.T) {
	p, _, _, b, _ := threeNodeCluster(t)
	p.config.IPAliases = map[string]string{"trusted-peer": "127.0.0.1"}
	p.config.IPWhitelist = []string{"trusted-peer"}

	outcome := p.HandleInboundAuth(p.config.ClusterID, domain.NodeIdentity{UniqueID: b}, loopbackConn(t), nil)
	require.True(t, outcome.Accepted)
}

func TestHandleInboundAuthAllowsWhitelistedCIDR(t *testing.T) {
	p, _, _, b, _ := threeNodeCluster(t)
	p.config.IPWhitelist = []string{"127.0.0.0/8"}

	outcome := p.HandleInboundAuth(p.config.ClusterID, domain.NodeIdentity{UniqueID: b}, loopbackConn(t), nil)
	require.True(t, outcome.Accepted)
}
