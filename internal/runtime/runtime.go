// Package runtime wires every component into one running node process:
// storage, cluster membership, the channel-message bus, data sync, the
// cloud service manager, the tick loop, and the ordered shutdown
// sequence. It is the Go equivalent of cmd/warren/main.go's
// clusterInitCmd body, split out of cmd/fleetnode/main.go because that
// wiring has grown past what belongs inline in a cobra RunE closure.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/chunked"
	"github.com/cuemby/fleetwright/internal/cloudservice"
	"github.com/cuemby/fleetwright/internal/cluster"
	"github.com/cuemby/fleetwright/internal/config"
	"github.com/cuemby/fleetwright/internal/ctlsock"
	"github.com/cuemby/fleetwright/internal/datasync"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/log"
	"github.com/cuemby/fleetwright/internal/runner"
	"github.com/cuemby/fleetwright/internal/shutdown"
	"github.com/cuemby/fleetwright/internal/storage"
	"github.com/cuemby/fleetwright/internal/tickloop"
	"github.com/cuemby/fleetwright/internal/transport"
)

// Options configures one node process, gathered from CLI flags in
// cmd/fleetnode.
type Options struct {
	DataDir      string
	BindAddr     string
	MaxMemoryMiB int
	TickInterval time.Duration
}

// Runtime is every long-lived component of one node process.
type Runtime struct {
	opts Options
	log  zerolog.Logger

	store      *storage.Store
	cluster    *cluster.Provider
	bus        *bus.Bus
	sync       *datasync.Registry
	services   *cloudservice.Manager
	load       *cloudservice.ClusterLoadSource
	templates  *cloudservice.ClusterTemplateStorage
	chunkSessions *chunked.SessionRegistry
	listener   *transport.Listener
	tick       *tickloop.Loop
	ctl        *ctlsock.Server
	shutdown   *shutdown.Sequencer

	clusterCfg domain.ClusterConfig
}

// New loads or bootstraps a ClusterConfig under opts.DataDir and wires
// every component against it. It does not start network I/O; call Run
// for that.
func New(opts Options) (*Runtime, error) {
	nodeLog := log.WithComponent("runtime")

	cfg, ok, err := config.LoadClusterConfig(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: load cluster config: %w", err)
	}
	if !ok {
		cfg = domain.ClusterConfig{
			ClusterID:    uuid.New(),
			LocalNode:    domain.NodeIdentity{UniqueID: uuid.New(), ListenAddresses: []string{opts.BindAddr}},
			MaxMemoryMiB: opts.MaxMemoryMiB,
		}
		if err := config.SaveClusterConfig(opts.DataDir, cfg); err != nil {
			return nil, fmt.Errorf("runtime: bootstrap cluster config: %w", err)
		}
	}

	store, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}

	rt := &Runtime{
		opts:       opts,
		log:        nodeLog,
		store:      store,
		clusterCfg: cfg,
		shutdown:   shutdown.New(log.WithComponent("shutdown")),
	}

	rt.cluster = cluster.NewProvider(cfg, rt, log.WithComponent("cluster"))
	rt.sync = datasync.NewRegistry(nil)
	rt.bus = bus.New(rt.cluster, nil, log.WithComponent("bus"))

	cloudservice.RegisterSyncHandler(rt.sync, store)
	execRunner := runner.NewExecRunner()
	localTemplates := &cloudservice.LocalTemplateStorage{Root: filepath.Join(opts.DataDir, "templates")}
	rt.chunkSessions = chunked.NewSessionRegistry()
	rt.templates = cloudservice.NewClusterTemplateStorage(localTemplates, rt.bus, rt.cluster, rt.chunkSessions, log.WithComponent("template"))
	rt.services = cloudservice.New(rt.cluster, rt.bus, rt.sync, store, execRunner, nil, rt.templates, log.WithComponent("cloudservice"))
	rt.bus.SetServices(rt.services)
	rt.services.RegisterAllocationRPC()

	rt.load = cloudservice.NewClusterLoadSource(rt.cluster, rt.bus, rt.services, opts.MaxMemoryMiB)
	rt.services.SetLoadSource(rt.load)

	rt.tick = tickloop.New(50*time.Millisecond, 256, log.WithComponent("tickloop"))

	rt.registerShutdownSteps()

	return rt, nil
}

// HeadChanged implements cluster.EventSink.
func (rt *Runtime) HeadChanged(newHead domain.NodeIdentity) {
	rt.log.Info().Str("head", newHead.UniqueID.String()).Msg("cluster head changed")
}

// PeerDisconnected implements cluster.EventSink. Per §4.3, services owned
// by a disconnected peer are left in place: only that peer's own restart
// will reconcile them, this node does not adopt them unilaterally.
func (rt *Runtime) PeerDisconnected(nodeUniqueID uuid.UUID) {
	rt.log.Warn().Str("node", nodeUniqueID.String()).Msg("peer disconnected")
}

// authEnvelope is the ChannelAuth wire payload: a node dials in with Kind
// "node", an externally-launched service process dials in with Kind
// "service". Nothing upstream of this Runtime distinguishes the two
// until now, so the discriminator lives here rather than in transport or
// cluster.
type authEnvelope struct {
	Kind    string          `json:"kind"`
	Node    json.RawMessage `json:"node,omitempty"`
	Service json.RawMessage `json:"service,omitempty"`
}

type nodeAuthPayload struct {
	ClusterID uuid.UUID           `json:"clusterId"`
	Identity  domain.NodeIdentity `json:"identity"`
}

// handleAuthFrame decodes and dispatches one AUTH frame, returning the
// reply payload (if any) and whether the connection is now authorized to
// use non-auth channels.
func (rt *Runtime) handleAuthFrame(conn *transport.Conn, f transport.Frame) ([]byte, bool) {
	var env authEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		rt.log.Warn().Err(err).Msg("malformed AUTH frame")
		conn.Close()
		return nil, false
	}

	switch env.Kind {
	case "node":
		var p nodeAuthPayload
		if err := json.Unmarshal(env.Node, &p); err != nil {
			rt.log.Warn().Err(err).Msg("malformed AUTH_NODE payload")
			conn.Close()
			return nil, false
		}
		outcome := rt.cluster.HandleInboundAuth(p.ClusterID, p.Identity, conn, rt.buildClusterSnapshot)
		payload, _ := json.Marshal(outcome)
		if !outcome.Accepted {
			conn.Close()
		}
		return payload, outcome.Accepted
	case "service":
		if err := rt.services.HandleAgentAuth(conn, env.Service); err != nil {
			rt.log.Warn().Err(err).Msg("AUTH_SERVICE failed")
			return nil, false
		}
		return nil, true
	default:
		rt.log.Warn().Str("kind", env.Kind).Msg("unknown AUTH frame kind")
		conn.Close()
		return nil, false
	}
}

func (rt *Runtime) buildClusterSnapshot() []byte {
	snap, err := rt.sync.PrepareClusterData()
	if err != nil {
		rt.log.Error().Err(err).Msg("failed to prepare cluster snapshot")
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		rt.log.Error().Err(err).Msg("failed to marshal cluster snapshot")
		return nil
	}
	return payload
}

// authGate tracks whether one connection has completed authorization.
// Non-auth channel handlers consult it before touching bus/chunk state:
// per §3, packets on non-auth channels arriving before authorization must
// be dropped rather than routed.
type authGate struct {
	mu  sync.Mutex
	ok  bool
}

func (g *authGate) set(ok bool) {
	g.mu.Lock()
	g.ok = ok
	g.mu.Unlock()
}

func (g *authGate) authorized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ok
}

// onAccept registers handlers for a freshly accepted (not yet authorized)
// connection.
func (rt *Runtime) onAccept(conn *transport.Conn) {
	rt.registerConnHandlers(conn, false)
}

// registerConnHandlers wires the auth, bus and chunked-transfer handlers
// for conn. preauthorized is true for the dialer side of a peer
// connection, whose AUTH_NODE handshake has already completed
// synchronously in dialPeer before this is called.
func (rt *Runtime) registerConnHandlers(conn *transport.Conn, preauthorized bool) {
	gate := &authGate{ok: preauthorized}

	conn.RegisterHandler(transport.ChannelAuth, func(_ context.Context, c *transport.Conn, f transport.Frame) []byte {
		reply, ok := rt.handleAuthFrame(c, f)
		if ok {
			gate.set(true)
		}
		return reply
	})

	conn.RegisterHandler(transport.ChannelMessage, func(_ context.Context, _ *transport.Conn, f transport.Frame) []byte {
		if !gate.authorized() {
			rt.log.Warn().Msg("dropping channel message frame from unauthorized connection")
			return nil
		}
		if err := rt.bus.HandleInbound(f.Payload); err != nil {
			rt.log.Warn().Err(err).Msg("failed to route inbound bus message")
		}
		return nil
	})

	conn.RegisterHandler(transport.ChannelChunkedTransfer, func(_ context.Context, _ *transport.Conn, f transport.Frame) []byte {
		if !gate.authorized() {
			rt.log.Warn().Msg("dropping chunk frame from unauthorized connection")
			return nil
		}
		packet, err := chunked.DecodeChunkPacket(f.Payload)
		if err != nil {
			rt.log.Warn().Err(err).Msg("malformed chunk frame")
			return nil
		}
		if err := rt.chunkSessions.Handle(packet); err != nil {
			rt.log.Debug().Err(err).Str("session", packet.SessionID.String()).Msg("chunk session dispatch failed")
		}
		return nil
	})
}

// Run binds the listener, starts the tick loop and control socket, and
// blocks until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	ln, err := transport.Listen(rt.opts.BindAddr, log.WithComponent("transport"))
	if err != nil {
		return fmt.Errorf("runtime: listen %s: %w", rt.opts.BindAddr, err)
	}
	rt.listener = ln

	ctlPath := filepath.Join(rt.opts.DataDir, "fleetnode.sock")
	ctl, err := ctlsock.Listen(ctlPath, log.WithComponent("ctlsock"))
	if err != nil {
		return fmt.Errorf("runtime: listen control socket: %w", err)
	}
	rt.ctl = ctl
	rt.registerControlHandlers()

	errCh := make(chan error, 2)
	go func() {
		if err := rt.listener.Serve(ctx, rt.onAccept); err != nil {
			errCh <- fmt.Errorf("transport listener: %w", err)
		}
	}()
	go func() {
		if err := rt.ctl.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("control socket: %w", err)
		}
	}()
	go rt.tick.Run(ctx)
	go rt.dialPeers(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// dialPeers connects to every configured remote node, drives the
// initiator side of the AUTH_NODE handshake, and starts each connection's
// Serve loop once accepted. A peer that refuses or is unreachable is
// logged and skipped without failing startup; it is not redialed, and
// neither is a peer whose connection later closes.
func (rt *Runtime) dialPeers(ctx context.Context) {
	for _, remote := range rt.clusterCfg.RemoteNodes {
		remote := remote
		go rt.dialPeer(ctx, remote)
	}
}

func (rt *Runtime) dialPeer(ctx context.Context, remote domain.NodeIdentity) {
	if len(remote.ListenAddresses) == 0 {
		rt.log.Warn().Str("node", remote.UniqueID.String()).Msg("peer has no listen address configured")
		return
	}
	conn, err := rt.cluster.Connect(ctx, remote, remote.ListenAddresses[0])
	if err != nil {
		rt.log.Warn().Err(err).Str("node", remote.UniqueID.String()).Msg("failed to connect to peer")
		return
	}

	env := authEnvelope{Kind: "node"}
	env.Node, _ = json.Marshal(nodeAuthPayload{ClusterID: rt.clusterCfg.ClusterID, Identity: rt.clusterCfg.LocalNode})
	payload, err := json.Marshal(env)
	if err != nil {
		rt.log.Error().Err(err).Msg("failed to marshal AUTH_NODE payload")
		conn.Close()
		return
	}

	if err := conn.Write(transport.Frame{ChannelID: transport.ChannelAuth, PacketUniqueID: 1, Payload: payload}); err != nil {
		rt.log.Warn().Err(err).Str("node", remote.UniqueID.String()).Msg("failed to send AUTH_NODE frame")
		conn.Close()
		return
	}

	reply, err := conn.ReadOne()
	if err != nil {
		rt.log.Warn().Err(err).Str("node", remote.UniqueID.String()).Msg("no AUTH_NODE reply")
		conn.Close()
		return
	}
	var outcome cluster.AuthOutcome
	if err := json.Unmarshal(reply.Payload, &outcome); err != nil || !outcome.Accepted {
		rt.log.Warn().Str("node", remote.UniqueID.String()).Str("reason", outcome.Reason).Msg("AUTH_NODE rejected")
		conn.Close()
		return
	}

	if outcome.Reinit && outcome.Snapshot != nil {
		var snap datasync.Snapshot
		if err := json.Unmarshal(outcome.Snapshot, &snap); err != nil {
			rt.log.Error().Err(err).Msg("failed to decode cluster snapshot")
		} else if err := rt.sync.ApplySnapshot(snap); err != nil {
			rt.log.Error().Err(err).Msg("failed to apply cluster snapshot")
		}
	}
	rt.cluster.CompleteSync(remote.UniqueID)

	rt.registerConnHandlers(conn, true)
	if err := conn.Serve(ctx); err != nil {
		rt.log.Warn().Err(err).Str("node", remote.UniqueID.String()).Msg("peer connection closed")
		rt.cluster.HandleDisconnect(remote.UniqueID)
	}
}

// Shutdown runs the ordered shutdown sequence exactly once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.shutdown.Run(ctx)
}

func (rt *Runtime) registerShutdownSteps() {
	rt.shutdown.AddStep("stop tick loop", func(ctx context.Context) error {
		rt.tick.Stop()
		return nil
	})
	rt.shutdown.AddStep("mark local node draining", func(ctx context.Context) error {
		for _, ns := range rt.cluster.NodeServers() {
			ns.Drain = true
		}
		return nil
	})
	rt.shutdown.AddStep("stop local services", func(ctx context.Context) error {
		var firstErr error
		for _, ep := range rt.services.Services() {
			if !ep.IsLocal() {
				continue
			}
			if _, err := rt.services.StopByName(ctx, ep.Name(), rt.opts.DataDir); err != nil {
				rt.log.Warn().Err(err).Str("service", ep.Name()).Msg("failed to stop service during shutdown")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	})
	rt.shutdown.AddStep("close transport listener", func(ctx context.Context) error {
		if rt.listener == nil {
			return nil
		}
		return rt.listener.Close()
	})
	rt.shutdown.AddStep("close control socket", func(ctx context.Context) error {
		if rt.ctl == nil {
			return nil
		}
		return rt.ctl.Close()
	})
	rt.shutdown.AddStep("close storage", func(ctx context.Context) error {
		return rt.store.Close()
	})
	rt.shutdown.AddStep("remove control socket file", func(ctx context.Context) error {
		return os.Remove(filepath.Join(rt.opts.DataDir, "fleetnode.sock"))
	})
}
