package cloudservice

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwright/internal/clustererr"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/transport"
)

// ringBuffer is a fixed-size backlog of the most recent log lines a
// service has emitted, grounded on §4.7's "cached backlog (fixed-size
// ring, default 128 lines)".
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{lines: make([]string, size)}
}

func (r *ringBuffer) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the backlog in emission order.
func (r *ringBuffer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// authServiceRequest is the handshake payload an external runner sends on
// channel 0 (ChannelAuth) when a spawned service connects back to its
// owning node, per §4.7's "Agent channel".
type authServiceRequest struct {
	ConnectionKey string    `json:"connectionKey"`
	ServiceID     uuid.UUID `json:"serviceId"`
}

// HandleAgentAuth processes an inbound AUTH_SERVICE handshake on conn. On
// success the service's agent channel is bound. The connection key is
// issued by Start when it moves the service to RUNNING, so a service whose
// agent can authenticate is already RUNNING: the RUNNING transition
// attempted here is rejected as an order violation and ignored, and the
// lifecycle, ConnectedTimeMs and the stored snapshot stay unchanged. On
// failure the connection is closed.
func (m *Manager) HandleAgentAuth(conn *transport.Conn, payload []byte) error {
	var req authServiceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Close()
		return fmt.Errorf("cloudservice: decode AUTH_SERVICE: %w", err)
	}

	m.mu.RLock()
	svc, ok := m.services[req.ServiceID]
	m.mu.RUnlock()
	if !ok {
		conn.Close()
		return fmt.Errorf("cloudservice: AUTH_SERVICE for unknown service %s", req.ServiceID)
	}

	svc.mu.Lock()
	matches := svc.connKey != "" && svc.connKey == req.ConnectionKey
	if matches {
		svc.agentConn = conn
	}
	svc.mu.Unlock()

	if !matches {
		conn.Close()
		return fmt.Errorf("cloudservice: AUTH_SERVICE connection key mismatch for %s", req.ServiceID)
	}

	_, err := m.transition(req.ServiceID, domain.LifeCycleRunning, func(s *service) {
		s.snapshot.ConnectedTimeMs = domain.NowMillis()
	})
	if err != nil && err != clustererr.LifecycleOrderViolation {
		m.log.Warn().Err(err).Str("service", req.ServiceID.String()).Msg("agent auth lifecycle transition")
	}
	return nil
}

// HandleLogLine records an incoming service log line in its backlog and,
// if screen forwarding is toggled on for any caller channel, forwards it.
func (m *Manager) HandleLogLine(serviceID uuid.UUID, line string) {
	m.mu.RLock()
	svc, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	svc.backlog.push(line)

	svc.mu.Lock()
	targets := make([]string, 0, len(svc.screenOn))
	for ch, on := range svc.screenOn {
		if on {
			targets = append(targets, ch)
		}
	}
	svc.mu.Unlock()

	for _, ch := range targets {
		m.bus.Send(domain.ChannelMessage{
			Targets: []domain.Target{{Kind: domain.TargetNode, Name: ch}},
			Channel: "fleetwright.cloudservice.log_line",
			Content: []byte(line),
		})
	}
}

// ToggleScreen turns log forwarding for serviceID on or off for
// callerChannel. Toggling on also sends the cached backlog immediately,
// per §4.7.
func (m *Manager) ToggleScreen(serviceID uuid.UUID, callerChannel string, on bool) error {
	m.mu.RLock()
	svc, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cloudservice: unknown service %s", serviceID)
	}

	svc.mu.Lock()
	svc.screenOn[callerChannel] = on
	svc.mu.Unlock()

	if !on {
		return nil
	}
	for _, line := range svc.backlog.snapshot() {
		m.bus.Send(domain.ChannelMessage{
			Targets: []domain.Target{{Kind: domain.TargetNode, Name: callerChannel}},
			Channel: "fleetwright.cloudservice.log_line",
			Content: []byte(line),
		})
	}
	return nil
}
