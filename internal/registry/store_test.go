package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "registry.json"), testLogger())
}

func testRunspace(id, name string) *Runspace {
	now := time.Now().UTC()
	return &Runspace{
		ID:           id,
		Name:         name,
		DisplayName:  name,
		Path:         "/tmp/" + name,
		BackendType:  BackendLocalNamespace,
		Status:       StatusStopped,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	st := newTestStore(t)

	snap, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Empty(t, snap.Runspaces)
	assert.Empty(t, snap.ActiveRunspaceID)
	assert.Equal(t, SchemaVersion, snap.Version)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	st := newTestStore(t)

	snap := EmptySnapshot()
	snap.Runspaces = append(snap.Runspaces, testRunspace("rs-1", "api"), testRunspace("rs-2", "web"))
	snap.Runspaces[0].Status = StatusActive
	snap.Runspaces[0].PID = 4242
	snap.Runspaces[0].SessionID = "sess-1"
	snap.Runspaces[0].Vision = []byte(`{"goal":"ship it"}`)
	snap.ActiveRunspaceID = "rs-1"

	require.NoError(t, st.Save(snap))

	got, err := st.Load()
	require.NoError(t, err)
	require.Len(t, got.Runspaces, 2)
	assert.Equal(t, "rs-1", got.ActiveRunspaceID)
	assert.Equal(t, StatusActive, got.Runspaces[0].Status)
	assert.Equal(t, 4242, got.Runspaces[0].PID)
	assert.Equal(t, "sess-1", got.Runspaces[0].SessionID)
	assert.JSONEq(t, `{"goal":"ship it"}`, string(got.Runspaces[0].Vision))
	assert.False(t, got.LastSync.IsZero())
}

func TestSaveIsIdempotent(t *testing.T) {
	st := newTestStore(t)

	snap := EmptySnapshot()
	snap.Runspaces = append(snap.Runspaces, testRunspace("rs-1", "api"))

	require.NoError(t, st.Save(snap))
	require.NoError(t, st.Save(snap))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Len(t, got.Runspaces, 1)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(filepath.Join(dir, "registry.json"), testLogger())

	require.NoError(t, st.Save(EmptySnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "registry.json", entries[0].Name())
}

func TestLoadCorruptFileRecoversEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json at all"), 0644))

	st := NewStore(path, testLogger())
	snap, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Runspaces)

	// A later save must still succeed and produce a parseable file.
	snap.Runspaces = append(snap.Runspaces, testRunspace("rs-1", "api"))
	require.NoError(t, st.Save(snap))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Len(t, got.Runspaces, 1)
}

func TestCloneIsIndependent(t *testing.T) {
	rs := testRunspace("rs-1", "api")
	rs.Vision = []byte(`{"a":1}`)
	rs.Tags = []string{"go"}

	cp := rs.Clone()
	cp.Vision[2] = 'b'
	cp.Tags[0] = "rust"
	cp.Status = StatusActive

	assert.Equal(t, []byte(`{"a":1}`), []byte(rs.Vision))
	assert.Equal(t, "go", rs.Tags[0])
	assert.Equal(t, StatusStopped, rs.Status)
}
