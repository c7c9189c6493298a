package cloudservice

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/cluster"
	"github.com/cuemby/fleetwright/internal/datasync"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/log"
	"github.com/cuemby/fleetwright/internal/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type fakeRunner struct {
	launched []string
	nextPID  int
}

func (r *fakeRunner) Launch(ctx context.Context, workDir string, command []string, env []string) (int, error) {
	r.nextPID++
	r.launched = append(r.launched, workDir)
	return r.nextPID, nil
}
func (r *fakeRunner) Signal(pid int, sig os.Signal) error     { return nil }
func (r *fakeRunner) Wait(pid int) (int, error)                { return 0, nil }

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	cfg := domain.ClusterConfig{ClusterID: uuid.New(), LocalNode: domain.NodeIdentity{UniqueID: uuid.New()}}
	cl := cluster.NewProvider(cfg, noopSink{}, log.WithComponent("cluster"))

	b := bus.New(cl, nil, log.WithComponent("bus"))
	reg := datasync.NewRegistry(nil)

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	RegisterSyncHandler(reg, store)

	runner := &fakeRunner{}
	templates := &LocalTemplateStorage{Root: t.TempDir()}

	m := New(cl, b, reg, store, runner, nil, templates, log.WithComponent("cloudservice"))
	b.SetServices(m)
	return m, runner
}

type noopSink struct{}

func (noopSink) HeadChanged(domain.NodeIdentity) {}
func (noopSink) PeerDisconnected(uuid.UUID)       {}

func testConfig() domain.ServiceConfiguration {
	return domain.ServiceConfiguration{TaskName: "lobby", Environment: domain.EnvironmentMinecraft}
}

func TestCreateStartsInPrepared(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Create(testConfig(), m.cluster.LocalIdentity().UniqueID, 1, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, domain.LifeCyclePrepared, snap.LifeCycle)
}

func TestFullLifecycleStartRunningStopDelete(t *testing.T) {
	m, runner := newTestManager(t)
	workDir := t.TempDir()
	snap, err := m.Create(testConfig(), m.cluster.LocalIdentity().UniqueID, 1, workDir)
	require.NoError(t, err)

	snap, err = m.Start(context.Background(), snap.ServiceID.UniqueID, workDir)
	require.NoError(t, err)
	require.Equal(t, domain.LifeCycleRunning, snap.LifeCycle)
	require.Len(t, runner.launched, 1)

	snap, err = m.Stop(context.Background(), snap.ServiceID.UniqueID, workDir)
	require.NoError(t, err)
	require.Equal(t, domain.LifeCycleStopped, snap.LifeCycle)

	snap, err = m.Delete(snap.ServiceID.UniqueID)
	require.NoError(t, err)
	require.Equal(t, domain.LifeCycleDeleted, snap.LifeCycle)

	_, ok := m.Service(snap.ServiceID.Name())
	require.False(t, ok)
}

func TestOrderViolatingTransitionIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Create(testConfig(), m.cluster.LocalIdentity().UniqueID, 1, t.TempDir())
	require.NoError(t, err)

	// RUNNING is not reachable directly from PREPARED.
	got, err := m.transition(snap.ServiceID.UniqueID, domain.LifeCycleRunning, nil)
	require.Error(t, err)
	require.Equal(t, domain.LifeCyclePrepared, got.LifeCycle)
}

func TestRestartPreservesServiceID(t *testing.T) {
	m, _ := newTestManager(t)
	workDir := t.TempDir()
	snap, err := m.Create(testConfig(), m.cluster.LocalIdentity().UniqueID, 1, workDir)
	require.NoError(t, err)
	snap, err = m.Start(context.Background(), snap.ServiceID.UniqueID, workDir)
	require.NoError(t, err)
	id := snap.ServiceID

	snap, err = m.Restart(context.Background(), id.UniqueID, workDir)
	require.NoError(t, err)
	require.Equal(t, id, snap.ServiceID)
	require.Equal(t, domain.LifeCycleRunning, snap.LifeCycle)
}

func TestSelectNodePicksLowestWeight(t *testing.T) {
	m, _ := newTestManager(t)
	light := uuid.New()
	heavy := uuid.New()
	candidates := []NodeLoad{
		{NodeUniqueID: heavy, UsedMemoryMiB: 900, MaxMemoryMiB: 1000},
		{NodeUniqueID: light, UsedMemoryMiB: 100, MaxMemoryMiB: 1000},
	}
	chosen, err := m.SelectNode(context.Background(), testConfig(), candidates)
	require.NoError(t, err)
	require.Equal(t, light, chosen)
}

func TestSelectNodeNoCandidateError(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SelectNode(context.Background(), testConfig(), nil)
	require.Error(t, err)
}

func TestAllocateServiceIDFillsLowestGap(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.AllocateServiceID("lobby")
	b := m.AllocateServiceID("lobby")
	require.Equal(t, 1, a)
	require.Equal(t, 2, b)

	m.mu.Lock()
	delete(m.nextID, "lobby")
	m.mu.Unlock()
	// with the per-task counter cleared and no service of the task
	// tracked (none was actually Create'd), the next call starts again
	// from 1.
	c := m.AllocateServiceID("lobby")
	require.Equal(t, 1, c)
}

func TestRingBufferWrapsAndPreservesOrder(t *testing.T) {
	rb := newRingBuffer(3)
	rb.push("a")
	rb.push("b")
	rb.push("c")
	rb.push("d")
	require.Equal(t, []string{"b", "c", "d"}, rb.snapshot())
}

func TestSelectFilesIncludeExcludeGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/keep.log", []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(dir+"/skip.tmp", []byte("x"), 0o644))

	files, err := selectFiles(dir, domain.ServiceDeployment{
		Includes: []string{"*.log", "*.tmp"},
		Excludes: []string{"skip.*"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"keep.log"}, files)
}
