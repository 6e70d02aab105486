package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrCorrupt marks a registry file that could not be parsed. Load recovers
// from it; it is exposed for callers that want to log or count recoveries.
var ErrCorrupt = errors.New("registry corrupt")

// Store persists the registry snapshot as one JSON document. Writes are
// atomic: the document is staged in a temp file and renamed into place, so
// a partial file is never observable. The store is single-writer; the
// manager serializes callers.
type Store struct {
	path   string
	logger *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the snapshot. A missing file is the first-run case and yields
// an empty valid snapshot. A corrupt file is logged and treated as empty:
// durability of future writes matters more than recovering an unparseable
// past one.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return EmptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("registry file unparseable, starting from empty snapshot (previous records lost)",
			"path", s.path, "error", fmt.Errorf("%w: %v", ErrCorrupt, err))
		return EmptySnapshot(), nil
	}
	if snap.Runspaces == nil {
		snap.Runspaces = []*Runspace{}
	}
	if snap.Version == 0 {
		snap.Version = SchemaVersion
	}
	return &snap, nil
}

// Save atomically replaces the registry document on disk.
func (s *Store) Save(snap *Snapshot) error {
	snap.Version = SchemaVersion
	snap.LastSync = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Stage in the same directory so the rename cannot cross filesystems.
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp registry: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Path returns the on-disk location of the registry document.
func (s *Store) Path() string {
	return s.path
}
