package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwright/internal/domain"
)

func TestClusterConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, ok, err := LoadClusterConfig(dir)
	require.NoError(t, err)
	require.False(t, ok)

	cfg := domain.ClusterConfig{
		ClusterID:    uuid.New(),
		LocalNode:    domain.NodeIdentity{UniqueID: uuid.New(), ListenAddresses: []string{"0.0.0.0:7777"}},
		MaxMemoryMiB: 4096,
		JavaCommand:  "java",
	}
	require.NoError(t, SaveClusterConfig(dir, cfg))

	got, ok, err := LoadClusterConfig(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cfg, got)
}

func TestSaveClusterConfigIsAtomic(t *testing.T) {
	dir := t.TempDir()
	cfg := domain.ClusterConfig{ClusterID: uuid.New()}
	require.NoError(t, SaveClusterConfig(dir, cfg))

	_, err := os.Stat(filepath.Join(dir, "config.yaml.tmp"))
	require.True(t, os.IsNotExist(err), "temp file must not survive a successful save")

	_, err = os.Stat(ClusterConfigPath(dir))
	require.NoError(t, err)
}

func TestTaskRoundTripAndList(t *testing.T) {
	dir := t.TempDir()
	task := domain.ServiceTask{Name: "lobby", Environment: domain.EnvironmentMinecraft, MinServices: 2}
	require.NoError(t, SaveTask(dir, task))

	got, ok, err := LoadTask(dir, "lobby")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task, got)

	require.NoError(t, SaveTask(dir, domain.ServiceTask{Name: "arena"}))
	all, err := ListTasks(dir)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, DeleteTask(dir, "lobby"))
	_, ok, err = LoadTask(dir, "lobby")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGroupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	group := domain.GroupConfiguration{Name: "minigames"}
	require.NoError(t, SaveGroup(dir, group))

	got, ok, err := LoadGroup(dir, "minigames")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, group, got)

	require.NoError(t, DeleteGroup(dir, "minigames"))
	_, ok, err = LoadGroup(dir, "minigames")
	require.NoError(t, err)
	require.False(t, ok)
}
