package runspace

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Defaults.StartTimeoutSeconds = 5
	cfg.Defaults.StopTimeoutSeconds = 5
	cfg.Defaults.ExecTimeoutSeconds = 5
	return cfg
}

type testEnv struct {
	mgr     *Manager
	be      *MockBackend
	bridge  *fakeBridge
	sink    *captureSink
	store   *registry.Store
	regPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	regPath := filepath.Join(t.TempDir(), "registry.json")
	st := registry.NewStore(regPath, logger)

	be := &MockBackend{}
	br := &fakeBridge{}
	sink := &captureSink{}

	mgr, err := NewManager(testConfig(), st,
		map[registry.BackendType]backend.Backend{registry.BackendLocalNamespace: be},
		br, sink, logger)
	require.NoError(t, err)
	return &testEnv{mgr: mgr, be: be, bridge: br, sink: sink, store: st, regPath: regPath}
}

func (e *testEnv) create(t *testing.T, name string) *registry.Runspace {
	t.Helper()
	rs, err := e.mgr.Create(context.Background(), CreateOpts{
		Name: name,
		Path: t.TempDir(),
	})
	require.NoError(t, err)
	return rs
}

func TestCreatePersistsRecord(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "api-server")

	assert.NotEmpty(t, rs.ID)
	assert.Equal(t, registry.StatusStopped, rs.Status)
	assert.Equal(t, "api-server", rs.DisplayName)
	assert.Equal(t, registry.BackendLocalNamespace, rs.BackendType)

	// A fresh load from disk sees the record.
	snap, err := env.store.Load()
	require.NoError(t, err)
	require.Len(t, snap.Runspaces, 1)
	assert.Equal(t, rs.ID, snap.Runspaces[0].ID)

	// The metadata directory exists under the project path.
	info, err := os.Stat(protocol.MetadataDir(rs.Path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "api-server")

	_, err := env.mgr.Create(context.Background(), CreateOpts{
		Name: "api-server",
		Path: t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrDuplicateName)

	list, err := env.mgr.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreatePathNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Create(context.Background(), CreateOpts{
		Name: "ghost",
		Path: "/nonexistent/project/path",
	})
	assert.ErrorIs(t, err, ErrPathNotFound)

	// The failed attempt leaves no trace.
	list, err := env.mgr.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 4242}, nil).Once()

	first, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, first.Status)
	assert.Equal(t, 4242, first.PID)

	// The second start returns the live record without a backend call.
	second, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, second.PID)

	env.be.AssertExpectations(t)
}

func TestStartBackendFailureLeavesRegistryUntouched(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "broken")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{}, backend.ErrFailure)

	_, err := env.mgr.Start(context.Background(), rs.ID)
	assert.ErrorIs(t, err, backend.ErrFailure)
	assert.Contains(t, err.Error(), rs.ID)

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	assert.Zero(t, got.PID)
}

func TestStartBackendTimeout(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "slow")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{}, context.DeadlineExceeded)

	_, err := env.mgr.Start(context.Background(), rs.ID)
	assert.ErrorIs(t, err, ErrBackendTimeout)

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
}

func TestStopClosesSessionFirst(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 10}, nil)
	env.be.On("Stop", mock.Anything, mock.Anything).Return(nil)

	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop(context.Background(), rs.ID))

	assert.Equal(t, []string{rs.ID}, env.bridge.closedIDs())

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	assert.Zero(t, got.PID)
	assert.Empty(t, got.SessionID)
}

func TestStopIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	// No backend expectations: stopping a stopped runspace never reaches
	// the backend.
	require.NoError(t, env.mgr.Stop(context.Background(), rs.ID))
	env.be.AssertExpectations(t)
}

func TestSuspendRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	err := env.mgr.Suspend(context.Background(), rs.ID)
	assert.Error(t, err)
}

func TestSuspendClearsVolatileHandles(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 77, ContainerID: "c1"}, nil)
	env.be.On("Suspend", mock.Anything, mock.Anything).Return(nil)

	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Suspend(context.Background(), rs.ID))

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuspended, got.Status)
	assert.Zero(t, got.PID)
	assert.Empty(t, got.SessionID)
	// Backend resume state survives suspension.
	assert.Equal(t, "c1", got.ContainerID)
}

func TestResumeUsesBackendResume(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 1}, nil).Once()
	env.be.On("Suspend", mock.Anything, mock.Anything).Return(nil)
	env.be.On("Resume", mock.Anything, mock.Anything).Return(backend.Handle{PID: 2}, nil).Once()

	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Suspend(context.Background(), rs.ID))

	got, err := env.mgr.Resume(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, got.Status)
	assert.Equal(t, 2, got.PID)
	env.be.AssertExpectations(t)
}

func TestSwitchSuspendsPreviousBeforeStartingNext(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.mgr.Create(context.Background(), CreateOpts{
		Name: "alpha", Path: t.TempDir(), AutoSuspend: true,
	})
	require.NoError(t, err)
	b := env.create(t, "beta")

	var calls []string
	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 5}, nil).Run(func(args mock.Arguments) {
		calls = append(calls, "start:"+args.Get(1).(*registry.Runspace).ID)
	})
	env.be.On("Suspend", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		calls = append(calls, "suspend:"+args.Get(1).(*registry.Runspace).ID)
	})

	_, err = env.mgr.Switch(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, env.mgr.ActiveRunspaceID())

	_, err = env.mgr.Switch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, env.mgr.ActiveRunspaceID())

	// The old active is fully suspended before the new one starts.
	require.Equal(t, []string{"start:" + a.ID, "suspend:" + a.ID, "start:" + b.ID}, calls)

	gotA, err := env.mgr.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuspended, gotA.Status)
}

func TestSwitchFailedSuspendAbortsSwitch(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.mgr.Create(context.Background(), CreateOpts{
		Name: "alpha", Path: t.TempDir(), AutoSuspend: true,
	})
	require.NoError(t, err)
	b := env.create(t, "beta")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 5}, nil).Once()
	env.be.On("Suspend", mock.Anything, mock.Anything).Return(backend.ErrFailure)

	_, err = env.mgr.Switch(context.Background(), a.ID)
	require.NoError(t, err)

	// The old environment must be released before the new one starts; a
	// failed suspend aborts the switch with both records as they were.
	_, err = env.mgr.Switch(context.Background(), b.ID)
	assert.ErrorIs(t, err, backend.ErrFailure)

	gotA, err := env.mgr.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, gotA.Status)

	gotB, err := env.mgr.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, gotB.Status)

	assert.Equal(t, a.ID, env.mgr.ActiveRunspaceID())
	// Start ran once, for the first switch only.
	env.be.AssertExpectations(t)
}

func TestSwitchWithoutAutoSuspendLeavesPreviousActive(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "alpha")
	b := env.create(t, "beta")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 5}, nil)

	_, err := env.mgr.Switch(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = env.mgr.Switch(context.Background(), b.ID)
	require.NoError(t, err)

	gotA, err := env.mgr.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, gotA.Status)
	assert.Equal(t, b.ID, env.mgr.ActiveRunspaceID())
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	env.be.On("Stop", mock.Anything, mock.Anything).Return(nil)

	_, err := env.mgr.Switch(context.Background(), rs.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Delete(context.Background(), rs.ID, false))

	_, err = env.mgr.Get(context.Background(), rs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, env.mgr.ActiveRunspaceID())

	// Deletion without deleteFiles leaves the metadata directory alone.
	_, err = os.Stat(protocol.MetadataDir(rs.Path))
	assert.NoError(t, err)
}

func TestDeleteFilesRemovesMetadataDir(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	require.NoError(t, env.mgr.Delete(context.Background(), rs.ID, true))

	_, err := os.Stat(protocol.MetadataDir(rs.Path))
	assert.True(t, os.IsNotExist(err))
	// The project itself survives.
	_, err = os.Stat(rs.Path)
	assert.NoError(t, err)
}

func TestDeleteSurvivesMissingBackend(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	// A suspended container record left behind after docker went away.
	env.mgr.mu.Lock()
	live := env.mgr.find(rs.ID)
	live.BackendType = registry.BackendContainer
	live.Status = registry.StatusSuspended
	live.ContainerID = "c1"
	env.mgr.mu.Unlock()

	require.NoError(t, env.mgr.Delete(context.Background(), rs.ID, false))

	_, err := env.mgr.Get(context.Background(), rs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	env.be.AssertNotCalled(t, "Stop")
}

func TestLifecycleEventOrder(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	env.be.On("Stop", mock.Anything, mock.Anything).Return(nil)

	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop(context.Background(), rs.ID))
	require.NoError(t, env.mgr.Delete(context.Background(), rs.ID, false))

	assert.Equal(t, []events.Type{
		events.TypeCreated,
		events.TypeActivated,
		events.TypeStopped,
		events.TypeDeleted,
	}, env.sink.types())
}

func TestExecuteRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	_, err := env.mgr.Execute(context.Background(), rs.ID, "true")
	assert.ErrorIs(t, err, backend.ErrUnavailable)
}

func TestExecuteUpdatesActivity(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	env.be.On("Execute", mock.Anything, mock.Anything, "echo hi").Return("hi\n", nil)

	started, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)

	out, err := env.mgr.Execute(context.Background(), rs.ID, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.False(t, got.LastActiveAt.Before(started.LastActiveAt))
}

func TestExecuteSerializedWithStop(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	env.be.On("Stop", mock.Anything, mock.Anything).Return(nil)

	execStarted := make(chan struct{})
	releaseExec := make(chan struct{})
	env.be.On("Execute", mock.Anything, mock.Anything, "make build").Return("", nil).Run(func(mock.Arguments) {
		close(execStarted)
		<-releaseExec
	})

	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)

	execDone := make(chan error, 1)
	go func() {
		_, err := env.mgr.Execute(context.Background(), rs.ID, "make build")
		execDone <- err
	}()
	<-execStarted

	stopDone := make(chan error, 1)
	go func() { stopDone <- env.mgr.Stop(context.Background(), rs.ID) }()

	// Stop must wait for the in-flight command on the same runspace.
	select {
	case <-stopDone:
		t.Fatal("stop completed while a command was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(releaseExec)
	require.NoError(t, <-execDone)
	require.NoError(t, <-stopDone)
}

func TestReconcileMarksDeadActiveStopped(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	_, err := env.mgr.Switch(context.Background(), rs.ID)
	require.NoError(t, err)

	// Simulate a daemon restart over a dead environment.
	env.be.On("Health", mock.Anything, mock.Anything).Return(backend.Health{Status: backend.Unhealthy}, nil)
	require.NoError(t, env.mgr.Reconcile(context.Background()))

	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, got.Status)
	assert.Zero(t, got.PID)
	assert.Empty(t, env.mgr.ActiveRunspaceID())

	// The rewrite reached disk.
	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, snap.Runspaces[0].Status)
}

func TestSessionExitClearsBinding(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	env.be.On("Start", mock.Anything, mock.Anything).Return(backend.Handle{PID: 9}, nil)
	_, err := env.mgr.Start(context.Background(), rs.ID)
	require.NoError(t, err)

	env.mgr.mu.Lock()
	env.mgr.find(rs.ID).SessionID = "sess-1"
	env.mgr.mu.Unlock()

	// A stale session id is ignored.
	env.bridge.onExit(rs.ID, "sess-other")
	got, err := env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)

	env.bridge.onExit(rs.ID, "sess-1")
	got, err = env.mgr.Get(context.Background(), rs.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionID)
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	rs := env.create(t, "worker")

	display := "Worker (staging)"
	auto := true
	got, err := env.mgr.Update(context.Background(), rs.ID, UpdateOpts{
		DisplayName: &display,
		AutoSuspend: &auto,
		Vision:      []byte(`{"goal":"ship"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, display, got.DisplayName)
	assert.True(t, got.AutoSuspend)

	// The blob lands verbatim in the metadata directory.
	data, err := os.ReadFile(protocol.VisionPath(rs.Path))
	require.NoError(t, err)
	assert.JSONEq(t, `{"goal":"ship"}`, string(data))
}

func TestHealthMissingBackend(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := registry.NewStore(filepath.Join(t.TempDir(), "r.json"), logger)
	mgr, err := NewManager(testConfig(), st, map[registry.BackendType]backend.Backend{}, env.bridge, env.sink, logger)
	require.NoError(t, err)

	mgr.mu.Lock()
	mgr.snap.Runspaces = append(mgr.snap.Runspaces, &registry.Runspace{
		ID: "x1", Name: "x", BackendType: registry.BackendContainer, Status: registry.StatusStopped,
	})
	mgr.mu.Unlock()

	h, err := mgr.Health(context.Background(), "x1")
	require.NoError(t, err)
	assert.Equal(t, backend.Unhealthy, h.Status)
}
