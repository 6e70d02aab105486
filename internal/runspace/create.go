package runspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/protocol"
)

type CreateOpts struct {
	Name                  string
	DisplayName           string
	Path                  string
	BackendType           registry.BackendType
	Tags                  []string
	AutoStart             bool
	AutoSuspend           bool
	SuspendTimeoutSeconds int

	// Caller-owned blobs, persisted verbatim.
	Vision        json.RawMessage
	ProjectState  json.RawMessage
	BackendConfig json.RawMessage
}

// Create registers a new runspace in the stopped state. The project path
// must exist now; later disappearance is a health fault, not a blocking
// invariant.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*registry.Runspace, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}

	info, err := os.Stat(opts.Path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, opts.Path)
	}

	backendType := opts.BackendType
	if backendType == "" {
		backendType = registry.BackendLocalNamespace
	}
	displayName := opts.DisplayName
	if displayName == "" {
		displayName = opts.Name
	}
	suspendTimeout := opts.SuspendTimeoutSeconds
	if suspendTimeout <= 0 {
		suspendTimeout = m.cfg.Monitor.SuspendTimeoutSeconds
	}

	now := time.Now().UTC()
	rs := &registry.Runspace{
		ID:                    uuid.New().String()[:12],
		Name:                  opts.Name,
		DisplayName:           displayName,
		Path:                  opts.Path,
		BackendType:           backendType,
		Status:                registry.StatusStopped,
		Vision:                opts.Vision,
		ProjectState:          opts.ProjectState,
		BackendConfig:         opts.BackendConfig,
		CreatedAt:             now,
		LastActiveAt:          now,
		Tags:                  opts.Tags,
		AutoStart:             opts.AutoStart,
		AutoSuspend:           opts.AutoSuspend,
		SuspendTimeoutSeconds: suspendTimeout,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findByName(opts.Name); existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, opts.Name)
	}

	if err := writeMetadata(rs); err != nil {
		return nil, fmt.Errorf("runspace %s: provision metadata: %w", rs.ID, err)
	}

	m.snap.Runspaces = append(m.snap.Runspaces, rs)
	if err := m.save(); err != nil {
		// No record may survive a failed persist.
		m.snap.Runspaces = m.snap.Runspaces[:len(m.snap.Runspaces)-1]
		return nil, fmt.Errorf("runspace %s: persist: %w", rs.ID, err)
	}

	m.emit(events.TypeCreated, rs, "")
	m.logger.Info("runspace created", "runspace_id", rs.ID, "name", rs.Name, "path", rs.Path)
	return rs.Clone(), nil
}

// UpdateOpts carries the mutable fields; nil pointers leave fields alone.
type UpdateOpts struct {
	DisplayName           *string
	Tags                  *[]string
	AutoStart             *bool
	AutoSuspend           *bool
	SuspendTimeoutSeconds *int

	Vision        json.RawMessage
	ProjectState  json.RawMessage
	BackendConfig json.RawMessage
}

// Update mutates a runspace's metadata and re-persists the opaque blobs
// verbatim.
func (m *Manager) Update(ctx context.Context, id string, opts UpdateOpts) (*registry.Runspace, error) {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.find(id)
	if rs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if opts.DisplayName != nil {
		rs.DisplayName = *opts.DisplayName
	}
	if opts.Tags != nil {
		rs.Tags = *opts.Tags
	}
	if opts.AutoStart != nil {
		rs.AutoStart = *opts.AutoStart
	}
	if opts.AutoSuspend != nil {
		rs.AutoSuspend = *opts.AutoSuspend
	}
	if opts.SuspendTimeoutSeconds != nil {
		rs.SuspendTimeoutSeconds = *opts.SuspendTimeoutSeconds
	}
	if opts.Vision != nil {
		rs.Vision = opts.Vision
	}
	if opts.ProjectState != nil {
		rs.ProjectState = opts.ProjectState
	}
	if opts.BackendConfig != nil {
		rs.BackendConfig = opts.BackendConfig
	}

	if err := writeMetadata(rs); err != nil {
		return nil, fmt.Errorf("runspace %s: persist metadata: %w", rs.ID, err)
	}
	if err := m.save(); err != nil {
		return nil, fmt.Errorf("runspace %s: persist: %w", rs.ID, err)
	}

	m.emit(events.TypeUpdated, rs, "")
	return rs.Clone(), nil
}

// Delete removes a runspace, stopping it first when needed. With
// deleteFiles the metadata directory is removed too; the project itself is
// never touched.
func (m *Manager) Delete(ctx context.Context, id string, deleteFiles bool) error {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()

	rs, err := m.snapshot(id)
	if err != nil {
		return err
	}

	if rs.Status != registry.StatusStopped {
		m.bridge.Close(rs.ID)

		// A record whose backend is no longer configured must still be
		// deletable; there is nothing left to tear down here.
		if be, err := m.backendFor(rs); err != nil {
			m.logger.Warn("delete: backend missing, removing record only",
				"runspace_id", id, "backend", rs.BackendType)
		} else {
			stopCtx, cancel := m.backendCtx(ctx, m.cfg.Defaults.StopTimeoutSeconds)
			err = be.Stop(stopCtx, rs)
			cancel()
			if err != nil {
				return mapBackendErr(err, id)
			}
		}
	}

	m.mu.Lock()
	for i, cur := range m.snap.Runspaces {
		if cur.ID == id {
			m.snap.Runspaces = append(m.snap.Runspaces[:i], m.snap.Runspaces[i+1:]...)
			break
		}
	}
	if m.snap.ActiveRunspaceID == id {
		m.snap.ActiveRunspaceID = ""
	}
	saveErr := m.save()
	m.mu.Unlock()
	if saveErr != nil {
		return fmt.Errorf("runspace %s: persist: %w", id, saveErr)
	}

	if deleteFiles {
		if err := os.RemoveAll(protocol.MetadataDir(rs.Path)); err != nil {
			m.logger.Warn("remove metadata dir", "runspace_id", id, "error", err)
		}
	}

	m.emit(events.TypeDeleted, rs, "")
	m.removeRunspaceLock(id)
	m.logger.Info("runspace deleted", "runspace_id", id, "name", rs.Name)
	return nil
}

// writeMetadata provisions the per-runspace metadata directory and writes
// the opaque blobs verbatim. Blobs the caller never supplied are skipped.
func writeMetadata(rs *registry.Runspace) error {
	dir := protocol.MetadataDir(rs.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if rs.Vision != nil {
		if err := os.WriteFile(protocol.VisionPath(rs.Path), rs.Vision, 0644); err != nil {
			return err
		}
	}
	if rs.BackendConfig != nil {
		if err := os.WriteFile(protocol.BackendConfigPath(rs.Path), rs.BackendConfig, 0644); err != nil {
			return err
		}
	}
	return nil
}
