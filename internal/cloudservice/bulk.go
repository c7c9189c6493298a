package cloudservice

import (
	"context"
	"fmt"

	"github.com/cuemby/fleetwright/internal/domain"
)

// CreateByTask creates amount services from task, stopping at the first
// create failure per §4.7's "Failure handling of bulk creation" — already
// created services are left in place, not rolled back.
func (m *Manager) CreateByTask(ctx context.Context, task domain.ServiceTask, amount int, candidates func() []NodeLoad, dataDir string) ([]domain.ServiceInfoSnapshot, error) {
	cfg := domain.ServiceConfiguration{
		TaskName:    task.Name,
		Environment: task.Environment,
		Groups:      task.Groups,
		Templates:   task.Templates,
		Inclusions:  task.Inclusions,
		Deployments: task.Deployments,
		Process:     task.Process,
	}

	created := make([]domain.ServiceInfoSnapshot, 0, amount)
	for i := 0; i < amount; i++ {
		nodeID, err := m.SelectNode(ctx, cfg, candidates())
		if err != nil {
			return created, fmt.Errorf("cloudservice: create %s #%d: %w", task.Name, i, err)
		}

		suffix, err := m.AllocateServiceIDViaHead(ctx, task.Name)
		if err != nil {
			return created, fmt.Errorf("cloudservice: create %s #%d: %w", task.Name, i, err)
		}

		snap, err := m.Create(cfg, nodeID, suffix, workDirFor(dataDir, domain.ServiceID{TaskName: task.Name, NameSuffix: suffix}))
		if err != nil {
			return created, fmt.Errorf("cloudservice: create %s #%d: %w", task.Name, i, err)
		}
		created = append(created, snap)
	}
	return created, nil
}
