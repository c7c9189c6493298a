package cloudservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwright/internal/clustererr"
	"github.com/cuemby/fleetwright/internal/domain"
)

// allowedTransition is the adjacency table for §4.7's lifecycle diagram:
// PREPARED -> STARTING -> RUNNING -> STOPPED -> DELETED, with STOPPED
// reachable directly from STARTING on launch failure, and STARTING
// reachable again from STOPPED via restart.
var allowedTransition = map[domain.LifeCycle][]domain.LifeCycle{
	domain.LifeCyclePrepared: {domain.LifeCycleStarting},
	domain.LifeCycleStarting: {domain.LifeCycleRunning, domain.LifeCycleStopped},
	domain.LifeCycleRunning:  {domain.LifeCycleStopped},
	domain.LifeCycleStopped:  {domain.LifeCycleStarting, domain.LifeCycleDeleted},
	domain.LifeCycleDeleted:  {},
}

func canTransition(from, to domain.LifeCycle) bool {
	for _, allowed := range allowedTransition[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Create prepares a new service from cfg on the node identified by
// nodeID, assigning nameSuffix (already resolved by AllocateServiceIDViaHead)
// and workDir for staging. The new service starts in PREPARED.
func (m *Manager) Create(cfg domain.ServiceConfiguration, nodeID uuid.UUID, nameSuffix int, workDir string) (domain.ServiceInfoSnapshot, error) {
	id := domain.ServiceID{
		UniqueID:     uuid.New(),
		TaskName:     cfg.TaskName,
		NameSuffix:   nameSuffix,
		NodeUniqueID: nodeID,
		Environment:  cfg.Environment,
	}
	snap := domain.ServiceInfoSnapshot{
		ServiceID:      id,
		Configuration:  cfg,
		CreationTimeMs: domain.NowMillis(),
		LifeCycle:      domain.LifeCyclePrepared,
		Properties:     map[string]string{},
	}

	svc := &service{
		snapshot: snap,
		config:   cfg,
		backlog:  newRingBuffer(backlogSize),
		screenOn: make(map[string]bool),
	}

	m.mu.Lock()
	m.services[id.UniqueID] = svc
	m.mu.Unlock()

	m.persist(svc)
	m.updateLifecycleMetrics()
	return snap, nil
}

// transition validates and applies a lifecycle move, publishing the
// updated snapshot to the data sync registry on success. It returns the
// current (possibly unchanged) snapshot; an order-violating request is a
// no-op per §4.7, not an error surfaced to the caller as a state change.
func (m *Manager) transition(id uuid.UUID, to domain.LifeCycle, mutate func(*service)) (domain.ServiceInfoSnapshot, error) {
	m.mu.RLock()
	svc, ok := m.services[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %s", id)
	}

	svc.mu.Lock()
	from := svc.snapshot.LifeCycle
	if !canTransition(from, to) {
		snap := svc.snapshot
		svc.mu.Unlock()
		return snap, clustererr.LifecycleOrderViolation
	}
	if mutate != nil {
		mutate(svc)
	}
	svc.snapshot.LifeCycle = to
	snap := svc.snapshot
	svc.mu.Unlock()

	m.persist(svc)
	m.updateLifecycleMetrics()
	return snap, nil
}

// Start stages templates/inclusions/deployment records, transitions the
// service to STARTING, launches its process, and on success transitions
// to RUNNING. A staging or launch failure leaves the service in STOPPED
// with a PreparationFailed property, per §4.7.
func (m *Manager) Start(ctx context.Context, id uuid.UUID, workDir string) (domain.ServiceInfoSnapshot, error) {
	snap, err := m.transition(id, domain.LifeCycleStarting, nil)
	if err != nil {
		return snap, err
	}

	m.mu.RLock()
	svc := m.services[id]
	m.mu.RUnlock()

	if err := m.stage(ctx, svc, workDir); err != nil {
		return m.transition(id, domain.LifeCycleStopped, func(s *service) {
			s.snapshot.Properties["preparationFailed"] = err.Error()
		})
	}

	command := append([]string{"java"}, svc.config.Process.JVMOptions...)
	command = append(command, svc.config.Process.ProcessArgs...)
	pid, err := m.runner.Launch(ctx, workDir, command, nil)
	if err != nil {
		return m.transition(id, domain.LifeCycleStopped, func(s *service) {
			s.snapshot.Properties["preparationFailed"] = err.Error()
		})
	}

	return m.transition(id, domain.LifeCycleRunning, func(s *service) {
		s.pid = pid
		s.connKey = uuid.NewString()
		s.snapshot.Process.PID = pid
		s.snapshot.ConnectedTimeMs = domain.NowMillis()
	})
}

// Stop signals the running process to exit, runs the configured
// deployments against the working directory, and transitions to STOPPED.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID, workDir string) (domain.ServiceInfoSnapshot, error) {
	m.mu.RLock()
	svc, ok := m.services[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ServiceInfoSnapshot{}, fmt.Errorf("cloudservice: unknown service %s", id)
	}

	svc.mu.Lock()
	pid := svc.pid
	deployments := append([]domain.ServiceDeployment(nil), svc.config.Deployments...)
	svc.mu.Unlock()

	if pid != 0 {
		_ = m.runner.Signal(pid, os.Interrupt)
		_, _ = m.runner.Wait(pid)
	}

	if err := m.deploy(workDir, deployments); err != nil {
		m.log.Warn().Err(err).Str("service", id.String()).Msg("deployment push-back failed")
	}

	return m.transition(id, domain.LifeCycleStopped, func(s *service) {
		s.pid = 0
		s.agentConn = nil
	})
}

// Restart is stop-then-start, preserving serviceId, per §4.7.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID, workDir string) (domain.ServiceInfoSnapshot, error) {
	if _, err := m.Stop(ctx, id, workDir); err != nil {
		return domain.ServiceInfoSnapshot{}, err
	}
	return m.Start(ctx, id, workDir)
}

// Delete marks the service DELETED (a tombstone, published then
// garbage-collected by callers) and removes it from local tracking.
func (m *Manager) Delete(id uuid.UUID) (domain.ServiceInfoSnapshot, error) {
	snap, err := m.transition(id, domain.LifeCycleDeleted, nil)
	if err != nil {
		return snap, err
	}
	m.mu.Lock()
	delete(m.services, id)
	m.mu.Unlock()
	m.updateLifecycleMetrics()
	return snap, nil
}

// persist writes svc's current snapshot into the data sync registry so it
// propagates to peers, following §4.4's incremental-propagation path.
func (m *Manager) persist(svc *service) {
	svc.mu.Lock()
	snap := svc.snapshot
	svc.mu.Unlock()

	if err := m.sync.ApplyRecord(serviceSnapshotHandlerKey, mustMarshalSnapshot(snap)); err != nil {
		m.log.Warn().Err(err).Str("service", snap.ServiceID.Name()).Msg("failed to persist service snapshot")
	}
}

func workDirFor(dataDir string, id domain.ServiceID) string {
	return filepath.Join(dataDir, "services", id.Name())
}
