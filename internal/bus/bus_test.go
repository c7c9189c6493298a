package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/log"
	"github.com/cuemby/fleetwright/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

// fakePeer routes frames directly into another Bus's HandleInbound,
// simulating a transport connection without opening real sockets.
type fakePeer struct {
	name string
	to   *Bus
}

func (f *fakePeer) Name() string { return f.name }
func (f *fakePeer) Send(fr transport.Frame) error {
	return f.to.HandleInbound(fr.Payload)
}

type fakeDirectory struct {
	local string
	peers map[string]Peer
}

func (d *fakeDirectory) Peers() []Peer {
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}
func (d *fakeDirectory) Peer(name string) (Peer, bool) { p, ok := d.peers[name]; return p, ok }
func (d *fakeDirectory) LocalNodeName() string          { return d.local }

func TestLocalSubscriberReceivesMessage(t *testing.T) {
	b := New(nil, nil, log.WithComponent("bus"))
	received := make(chan string, 1)
	b.Subscribe("greetings", "", func(msg domain.ChannelMessage) []byte {
		received <- msg.Message
		return nil
	})

	err := b.Send(domain.ChannelMessage{
		Targets: []domain.Target{{Kind: domain.TargetAll}},
		Channel: "greetings",
		Message: "hello",
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("subscriber never fired")
	}
}

func TestQueryToTwoNodesGathersBothReplies(t *testing.T) {
	busA := New(nil, nil, log.WithComponent("bus-a"))
	busB := New(nil, nil, log.WithComponent("bus-b"))
	busC := New(nil, nil, log.WithComponent("bus-c"))

	dirA := &fakeDirectory{local: "A", peers: map[string]Peer{
		"B": &fakePeer{name: "B", to: busB},
		"C": &fakePeer{name: "C", to: busC},
	}}
	busA.peers = dirA
	busB.peers = &fakeDirectory{local: "B", peers: map[string]Peer{"A": &fakePeer{name: "A", to: busA}}}
	busC.peers = &fakeDirectory{local: "C", peers: map[string]Peer{"A": &fakePeer{name: "A", to: busA}}}

	busB.Subscribe("ping", "", func(msg domain.ChannelMessage) []byte { return []byte("pong-B") })
	busC.Subscribe("ping", "", func(msg domain.ChannelMessage) []byte { return []byte("pong-C") })

	replies, err := busA.Query(context.Background(), domain.ChannelMessage{
		Targets: []domain.Target{{Kind: domain.TargetNode, Name: "B"}, {Kind: domain.TargetNode, Name: "C"}},
		Channel: "ping",
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 2)
}

func TestQueryTimeoutReturnsPartialReplies(t *testing.T) {
	busA := New(nil, nil, log.WithComponent("bus-a"))
	busB := New(nil, nil, log.WithComponent("bus-b"))

	busA.peers = &fakeDirectory{local: "A", peers: map[string]Peer{"B": &fakePeer{name: "B", to: busB}}}
	busB.peers = &fakeDirectory{local: "B", peers: map[string]Peer{"A": &fakePeer{name: "A", to: busA}}}

	busB.Subscribe("ping", "", func(msg domain.ChannelMessage) []byte { return []byte("pong") })

	replies, err := busA.Query(context.Background(), domain.ChannelMessage{
		Targets: []domain.Target{{Kind: domain.TargetNode, Name: "B"}, {Kind: domain.TargetNode, Name: "missing"}},
		Channel: "ping",
	}, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replies, 1)
}

func TestRPCRoundTrip(t *testing.T) {
	busA := New(nil, nil, log.WithComponent("bus-a"))
	busB := New(nil, nil, log.WithComponent("bus-b"))
	busA.peers = &fakeDirectory{local: "A", peers: map[string]Peer{"B": &fakePeer{name: "B", to: busB}}}
	busB.peers = &fakeDirectory{local: "B", peers: map[string]Peer{"A": &fakePeer{name: "A", to: busA}}}

	type addReq struct{ X, Y int }
	type addResp struct{ Sum int }

	busB.RegisterRPC("math.add", func(raw json.RawMessage) (any, error) {
		var req addReq
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return addResp{Sum: req.X + req.Y}, nil
	})

	resp, err := CallRPC[addReq, addResp](context.Background(), busA, domain.Target{Kind: domain.TargetNode, Name: "B"}, "math.add", addReq{X: 2, Y: 3}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, resp.Sum)
}
