// Package bus implements the channel-message bus (C5): targeted,
// multicast and query/response messaging layered on top of the transport
// channels (C3), plus a small typed RPC layer on top of that.
//
// Grounded on pkg/events/events.go's buffered-channel pub/sub broker for
// the local-subscriber dispatch shape (non-blocking broadcast, ordered
// subscriber list) and on the teacher's raft.Future-returning calls in
// pkg/manager/manager.go for the query/response future shape, realized
// here with internal/async.Future instead of raft.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/cuemby/fleetwright/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultQueryTimeout is the window a query waits for replies, per §4.5.
const DefaultQueryTimeout = 20 * time.Second

// Peer is a remote node's send side, as seen by the bus.
type Peer interface {
	Name() string
	Send(f transport.Frame) error
}

// PeerDirectory resolves NODE/ALL_NODES targets to live peers.
type PeerDirectory interface {
	Peers() []Peer
	Peer(name string) (Peer, bool)
	LocalNodeName() string
}

// ServiceEndpoint is a service's send side, as seen by the bus.
type ServiceEndpoint interface {
	Name() string
	TaskName() string
	Groups() []string
	Environment() domain.Environment
	OwnerNode() string
	IsLocal() bool
	Send(f transport.Frame) error
}

// ServiceDirectory resolves SERVICE/TASK/GROUP/ENVIRONMENT targets.
type ServiceDirectory interface {
	Services() []ServiceEndpoint
	Service(name string) (ServiceEndpoint, bool)
}

// SubscriberFunc handles one inbound message for a channel. A non-nil
// return is sent back as the reply iff the inbound message carried a
// QueryUniqueID.
type SubscriberFunc func(msg domain.ChannelMessage) []byte

type subscription struct {
	channel string
	message string // empty means "any message on this channel"
	fn      SubscriberFunc
}

type pendingQuery struct {
	mu           sync.Mutex
	replies      []domain.ChannelMessage
	done         chan struct{}
	closed       bool
	stopAfterOne bool
}

func (p *pendingQuery) add(msg domain.ChannelMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.replies = append(p.replies, msg)
	if p.stopAfterOne {
		p.closed = true
		close(p.done)
	}
}

func (p *pendingQuery) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// Bus is the channel-message bus.
type Bus struct {
	log       zerolog.Logger
	peers     PeerDirectory
	services  ServiceDirectory

	subsMu sync.RWMutex
	subs   []subscription

	queriesMu sync.Mutex
	queries   map[string]*pendingQuery
}

// New creates a Bus. peers and services may be nil until the owning
// cluster/cloudservice components are wired; Send will simply fail to
// resolve any target until then.
func New(peers PeerDirectory, services ServiceDirectory, log zerolog.Logger) *Bus {
	return &Bus{
		log:      log,
		peers:    peers,
		services: services,
		queries:  make(map[string]*pendingQuery),
	}
}

// SetServices wires the ServiceDirectory in after construction, for the
// cloudservice.Manager/Bus construction-order cycle: the manager needs a
// *Bus to send messages, and the bus needs the manager as its
// ServiceDirectory to resolve SERVICE/TASK/GROUP targets.
func (b *Bus) SetServices(services ServiceDirectory) {
	b.services = services
}

// Subscribe registers fn for messages on channel. If message is non-empty,
// fn only fires for that exact message value; otherwise it fires for
// every message on channel. Handlers fire in registration order.
func (b *Bus) Subscribe(channel, message string, fn SubscriberFunc) {
	b.subsMu.Lock()
	b.subs = append(b.subs, subscription{channel: channel, message: message, fn: fn})
	b.subsMu.Unlock()
}

// Send delivers msg at-most-once per peer hop, fire and forget.
func (b *Bus) Send(msg domain.ChannelMessage) error {
	return b.send(msg, false)
}

func (b *Bus) send(msg domain.ChannelMessage, expectReply bool) error {
	var lastErr error
	for _, target := range msg.Targets {
		metrics.BusMessagesTotal.WithLabelValues(string(target.Kind)).Inc()
		if err := b.deliverTarget(msg, target); err != nil {
			b.log.Warn().Err(err).Str("channel", msg.Channel).Str("target", string(target.Kind)).Msg("delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

func (b *Bus) deliverTarget(msg domain.ChannelMessage, target domain.Target) error {
	switch target.Kind {
	case domain.TargetAll:
		b.deliverLocal(msg)
		return b.broadcastPeers(msg)
	case domain.TargetAllNodes:
		return b.broadcastPeers(msg)
	case domain.TargetAllServices:
		return b.broadcastServices(msg)
	case domain.TargetNode:
		if b.peers != nil && target.Name == b.peers.LocalNodeName() {
			b.deliverLocal(msg)
			return nil
		}
		if b.peers == nil {
			return fmt.Errorf("bus: no peer directory configured")
		}
		peer, ok := b.peers.Peer(target.Name)
		if !ok {
			return fmt.Errorf("bus: unknown node %q", target.Name)
		}
		return b.sendToPeer(peer, msg)
	case domain.TargetService:
		if b.services == nil {
			return fmt.Errorf("bus: no service directory configured")
		}
		svc, ok := b.services.Service(target.Name)
		if !ok {
			return fmt.Errorf("bus: unknown service %q", target.Name)
		}
		if svc.IsLocal() {
			b.deliverLocal(msg)
			return nil
		}
		if b.peers == nil {
			return fmt.Errorf("bus: no peer directory configured")
		}
		peer, ok := b.peers.Peer(svc.OwnerNode())
		if !ok {
			return fmt.Errorf("bus: owner node %q of service %q unreachable", svc.OwnerNode(), target.Name)
		}
		return b.sendToPeer(peer, msg)
	case domain.TargetTask, domain.TargetGroup, domain.TargetEnvironment:
		return b.deliverExpanded(msg, target)
	default:
		return fmt.Errorf("bus: unknown target kind %q", target.Kind)
	}
}

func (b *Bus) deliverExpanded(msg domain.ChannelMessage, target domain.Target) error {
	if b.services == nil {
		return fmt.Errorf("bus: no service directory configured")
	}
	var lastErr error
	for _, svc := range b.services.Services() {
		matches := false
		switch target.Kind {
		case domain.TargetTask:
			matches = svc.TaskName() == target.Name
		case domain.TargetGroup:
			for _, g := range svc.Groups() {
				if g == target.Name {
					matches = true
					break
				}
			}
		case domain.TargetEnvironment:
			matches = string(svc.Environment()) == target.Name
		}
		if !matches {
			continue
		}
		if svc.IsLocal() {
			b.deliverLocal(msg)
			continue
		}
		if b.peers == nil {
			continue
		}
		peer, ok := b.peers.Peer(svc.OwnerNode())
		if !ok {
			lastErr = fmt.Errorf("bus: owner node %q unreachable", svc.OwnerNode())
			continue
		}
		if err := b.sendToPeer(peer, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (b *Bus) broadcastPeers(msg domain.ChannelMessage) error {
	if b.peers == nil {
		return nil
	}
	var lastErr error
	for _, p := range b.peers.Peers() {
		if err := b.sendToPeer(p, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (b *Bus) broadcastServices(msg domain.ChannelMessage) error {
	if b.services == nil {
		return nil
	}
	var lastErr error
	for _, svc := range b.services.Services() {
		if svc.IsLocal() {
			b.deliverLocal(msg)
			continue
		}
		if b.peers == nil {
			continue
		}
		peer, ok := b.peers.Peer(svc.OwnerNode())
		if !ok {
			continue
		}
		if err := b.sendToPeer(peer, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (b *Bus) sendToPeer(p Peer, msg domain.ChannelMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	return p.Send(transport.Frame{ChannelID: transport.ChannelMessage, Payload: payload})
}

// deliverLocal dispatches msg to every matching local subscriber, in
// registration order, honoring the query-reply protocol on the way out.
func (b *Bus) deliverLocal(msg domain.ChannelMessage) {
	// If this is a reply to one of our own pending queries, route it
	// there instead of to channel subscribers.
	if msg.QueryUniqueID != "" {
		b.queriesMu.Lock()
		pq, ok := b.queries[msg.QueryUniqueID]
		b.queriesMu.Unlock()
		if ok {
			pq.add(msg)
			return
		}
	}

	b.subsMu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.subsMu.RUnlock()

	var reply []byte
	for _, s := range subs {
		if s.channel != msg.Channel {
			continue
		}
		if s.message != "" && s.message != msg.Message {
			continue
		}
		if r := s.fn(msg); r != nil && reply == nil {
			reply = r
		}
	}

	if reply != nil && msg.QueryUniqueID != "" && msg.Sender != "" {
		b.replyTo(msg, reply)
	}
}

func (b *Bus) replyTo(orig domain.ChannelMessage, payload []byte) {
	reply := domain.ChannelMessage{
		Sender:        b.localName(),
		Targets:       []domain.Target{{Kind: domain.TargetNode, Name: orig.Sender}},
		Channel:       orig.Channel,
		Message:       orig.Message,
		Content:       payload,
		QueryUniqueID: orig.QueryUniqueID,
	}
	if err := b.Send(reply); err != nil {
		b.log.Warn().Err(err).Msg("failed to deliver query reply")
	}
}

func (b *Bus) localName() string {
	if b.peers == nil {
		return ""
	}
	return b.peers.LocalNodeName()
}

// HandleInbound is wired as the transport.Handler for transport.ChannelMessage;
// it decodes the frame and routes it exactly like a locally-originated
// deliverLocal call.
func (b *Bus) HandleInbound(payload []byte) error {
	var msg domain.ChannelMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("bus: decode inbound message: %w", err)
	}
	b.deliverLocal(msg)
	return nil
}

// Query sends msg (after stamping a query id) to its targets and waits up
// to timeout for replies, returning whatever arrived in the window.
func (b *Bus) Query(ctx context.Context, msg domain.ChannelMessage, timeout time.Duration) ([]domain.ChannelMessage, error) {
	return b.doQuery(ctx, msg, timeout, false)
}

func (b *Bus) doQuery(ctx context.Context, msg domain.ChannelMessage, timeout time.Duration, stopAfterOne bool) ([]domain.ChannelMessage, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	msg.QueryUniqueID = uuid.NewString()
	msg.Sender = b.localName()

	pq := &pendingQuery{done: make(chan struct{}), stopAfterOne: stopAfterOne}
	b.queriesMu.Lock()
	b.queries[msg.QueryUniqueID] = pq
	b.queriesMu.Unlock()
	defer func() {
		b.queriesMu.Lock()
		delete(b.queries, msg.QueryUniqueID)
		b.queriesMu.Unlock()
	}()

	if err := b.send(msg, true); err != nil {
		b.log.Debug().Err(err).Msg("query send encountered delivery errors")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		metrics.BusQueriesTotal.WithLabelValues("timeout").Inc()
	case <-ctx.Done():
		metrics.BusQueriesTotal.WithLabelValues("cancelled").Inc()
	case <-pq.done:
	}
	pq.close()

	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.replies) > 0 {
		metrics.BusQueriesTotal.WithLabelValues("replied").Inc()
	}
	return pq.replies, nil
}

// QuerySingle waits for and returns the first reply only, or nil if the
// window elapses with none.
func (b *Bus) QuerySingle(ctx context.Context, msg domain.ChannelMessage, timeout time.Duration) (*domain.ChannelMessage, error) {
	replies, err := b.doQuery(ctx, msg, timeout, true)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, nil
	}
	return &replies[0], nil
}
