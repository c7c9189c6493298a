package cloudservice

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwright/internal/domain"
)

// idByName resolves a service's display name ("<taskName>-<suffix>") to
// its uniqueId, for the name-addressed CLI surface of §6.
func (m *Manager) idByName(name string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.services {
		s.mu.Lock()
		n := s.snapshot.ServiceID.Name()
		s.mu.Unlock()
		if n == name {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (m *Manager) workDirForID(dataDir string, id uuid.UUID) (string, error) {
	m.mu.RLock()
	s, ok := m.services[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("cloudservice: unknown service %s", id)
	}
	s.mu.Lock()
	sid := s.snapshot.ServiceID
	s.mu.Unlock()
	return workDirFor(dataDir, sid), nil
}

// StartByName resolves name and starts it, per §6's "service <pattern> start".
func (m *Manager) StartByName(ctx context.Context, name, dataDir string) (domain.ServiceInfoSnapshot, error) {
	id, ok := m.idByName(name)
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %q", name)
	}
	workDir, err := m.workDirForID(dataDir, id)
	if err != nil {
		return domain.ServiceInfoSnapshot{}, err
	}
	return m.Start(ctx, id, workDir)
}

// StopByName resolves name and stops it.
func (m *Manager) StopByName(ctx context.Context, name, dataDir string) (domain.ServiceInfoSnapshot, error) {
	id, ok := m.idByName(name)
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %q", name)
	}
	workDir, err := m.workDirForID(dataDir, id)
	if err != nil {
		return domain.ServiceInfoSnapshot{}, err
	}
	return m.Stop(ctx, id, workDir)
}

// RestartByName resolves name and restarts it.
func (m *Manager) RestartByName(ctx context.Context, name, dataDir string) (domain.ServiceInfoSnapshot, error) {
	id, ok := m.idByName(name)
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %q", name)
	}
	workDir, err := m.workDirForID(dataDir, id)
	if err != nil {
		return domain.ServiceInfoSnapshot{}, err
	}
	return m.Restart(ctx, id, workDir)
}

// DeleteByName resolves name and deletes it.
func (m *Manager) DeleteByName(name string) (domain.ServiceInfoSnapshot, error) {
	id, ok := m.idByName(name)
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %q", name)
	}
	return m.Delete(id)
}

// ToggleScreenByName resolves name and toggles screen forwarding for
// callerChannel.
func (m *Manager) ToggleScreenByName(name, callerChannel string, on bool) error {
	id, ok := m.idByName(name)
	if !ok {
		return fmt.Errorf("cloudservice: unknown service %q", name)
	}
	return m.ToggleScreen(id, callerChannel, on)
}

// Snapshots returns every tracked service's current snapshot, for the
// "service list" CLI command.
func (m *Manager) Snapshots() []domain.ServiceInfoSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ServiceInfoSnapshot, 0, len(m.services))
	for _, s := range m.services {
		s.mu.Lock()
		out = append(out, s.snapshot)
		s.mu.Unlock()
	}
	return out
}
