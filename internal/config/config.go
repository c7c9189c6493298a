// Package config is the on-disk persistence layer for ClusterConfig and
// the per-entity ServiceTask/GroupConfiguration records, all YAML,
// written atomically (write to a ".tmp" sibling, then os.Rename) so a
// crash mid-write never leaves a half-written file behind.
//
// Grounded on cmd/warren/apply.go's use of gopkg.in/yaml.v3 for
// manifest decoding (the teacher's only YAML call site), generalized
// from one-shot `apply -f` decoding into a full read/write persistence
// layer since this port's config is the cluster's source of truth, not
// a one-time manifest applied to a running API.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/fleetwright/internal/domain"
)

const clusterConfigFile = "config.yaml"

// ClusterConfigPath returns the on-disk location of the cluster config
// under dataDir.
func ClusterConfigPath(dataDir string) string {
	return filepath.Join(dataDir, clusterConfigFile)
}

// LoadClusterConfig reads ClusterConfig from dataDir, or returns
// (zero-value, false, nil) if no config file exists yet.
func LoadClusterConfig(dataDir string) (domain.ClusterConfig, bool, error) {
	var cfg domain.ClusterConfig
	data, err := os.ReadFile(ClusterConfigPath(dataDir))
	if os.IsNotExist(err) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("config: read cluster config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("config: parse cluster config: %w", err)
	}
	return cfg, true, nil
}

// SaveClusterConfig writes cfg to dataDir atomically.
func SaveClusterConfig(dataDir string, cfg domain.ClusterConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal cluster config: %w", err)
	}
	return atomicWrite(ClusterConfigPath(dataDir), data)
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// taskPath/groupPath return the one-file-per-entity location for a
// ServiceTask/GroupConfiguration record.
func taskPath(dataDir, name string) string {
	return filepath.Join(dataDir, "tasks", name+".yaml")
}
func groupPath(dataDir, name string) string {
	return filepath.Join(dataDir, "groups", name+".yaml")
}

// SaveTask writes task atomically under "<dataDir>/tasks/<name>.yaml".
func SaveTask(dataDir string, task domain.ServiceTask) error {
	data, err := yaml.Marshal(task)
	if err != nil {
		return fmt.Errorf("config: marshal task %q: %w", task.Name, err)
	}
	return atomicWrite(taskPath(dataDir, task.Name), data)
}

// LoadTask reads one ServiceTask by name, or (zero, false, nil) if absent.
func LoadTask(dataDir, name string) (domain.ServiceTask, bool, error) {
	var task domain.ServiceTask
	data, err := os.ReadFile(taskPath(dataDir, name))
	if os.IsNotExist(err) {
		return task, false, nil
	}
	if err != nil {
		return task, false, fmt.Errorf("config: read task %q: %w", name, err)
	}
	if err := yaml.Unmarshal(data, &task); err != nil {
		return task, false, fmt.Errorf("config: parse task %q: %w", name, err)
	}
	return task, true, nil
}

// ListTasks reads every ServiceTask under "<dataDir>/tasks".
func ListTasks(dataDir string) ([]domain.ServiceTask, error) {
	dir := filepath.Join(dataDir, "tasks")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: list tasks: %w", err)
	}

	var out []domain.ServiceTask
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("config: read task %s: %w", entry.Name(), err)
		}
		var t domain.ServiceTask
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("config: parse task %s: %w", entry.Name(), err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask removes a task's on-disk record.
func DeleteTask(dataDir, name string) error {
	err := os.Remove(taskPath(dataDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveGroup writes group atomically under "<dataDir>/groups/<name>.yaml".
func SaveGroup(dataDir string, group domain.GroupConfiguration) error {
	data, err := yaml.Marshal(group)
	if err != nil {
		return fmt.Errorf("config: marshal group %q: %w", group.Name, err)
	}
	return atomicWrite(groupPath(dataDir, group.Name), data)
}

// LoadGroup reads one GroupConfiguration by name, or (zero, false, nil)
// if absent.
func LoadGroup(dataDir, name string) (domain.GroupConfiguration, bool, error) {
	var group domain.GroupConfiguration
	data, err := os.ReadFile(groupPath(dataDir, name))
	if os.IsNotExist(err) {
		return group, false, nil
	}
	if err != nil {
		return group, false, fmt.Errorf("config: read group %q: %w", name, err)
	}
	if err := yaml.Unmarshal(data, &group); err != nil {
		return group, false, fmt.Errorf("config: parse group %q: %w", name, err)
	}
	return group, true, nil
}

// DeleteGroup removes a group's on-disk record.
func DeleteGroup(dataDir, name string) error {
	err := os.Remove(groupPath(dataDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

