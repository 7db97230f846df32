// Package store implements durable state for the resilience controller:
// the per-cause pause guards, the current tunnel URL record, and the
// encrypted credential store.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

const guardStateVersion = 1

// FileGuardStore implements domain.GuardStore with a single versioned
// JSON record holding one entry per cause. Writes are atomic
// (temp file + rename) so a crash mid-outage cannot corrupt the record
// into a duplicate pause or a missed resume.
type FileGuardStore struct {
	path   string
	logger *zap.Logger
}

// NewFileGuardStore creates a guard store backed by the given file.
func NewFileGuardStore(path string, logger *zap.Logger) *FileGuardStore {
	return &FileGuardStore{path: path, logger: logger}
}

// StatePath returns the backing file path.
func (s *FileGuardStore) StatePath() string {
	return s.path
}

// Load reads the persisted guard state. A missing file is an empty
// state; an unparseable one returns domain.ErrCorruptState.
func (s *FileGuardStore) Load() (domain.GuardState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewGuardState(), nil
		}
		return domain.NewGuardState(), err
	}

	var state domain.GuardState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.NewGuardState(), fmt.Errorf("%w: %s: %v", domain.ErrCorruptState, s.path, err)
	}
	if state.Version != guardStateVersion {
		return domain.NewGuardState(), fmt.Errorf("%w: %s: unsupported version %d", domain.ErrCorruptState, s.path, state.Version)
	}
	if state.Causes == nil {
		state.Causes = make(map[domain.PauseCause]domain.GuardEntry)
	}
	return state, nil
}

// loadTolerant is the daemon-path read: a corrupt record is logged and
// replaced by the resume-safe empty state (a spurious extra pause cycle
// is cheaper than a scan that never resumes).
func (s *FileGuardStore) loadTolerant() domain.GuardState {
	state, err := s.Load()
	if err != nil {
		s.logger.Warn("guard state unreadable, treating all causes inactive",
			zap.String("path", s.path),
			zap.Error(err))
		return domain.NewGuardState()
	}
	return state
}

// Activate marks a cause active and persists the change.
func (s *FileGuardStore) Activate(cause domain.PauseCause) error {
	state := s.loadTolerant()
	state.Causes[cause] = domain.GuardEntry{Active: true, Since: time.Now()}
	return s.atomicWrite(state)
}

// Clear marks a cause inactive and persists the change.
func (s *FileGuardStore) Clear(cause domain.PauseCause) error {
	state := s.loadTolerant()
	delete(state.Causes, cause)
	return s.atomicWrite(state)
}

// atomicWrite persists state via write-to-temp-then-rename.
func (s *FileGuardStore) atomicWrite(state domain.GuardState) error {
	state.Version = guardStateVersion

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	// Temp name is unique per process to avoid a race with a CLI
	// invocation touching the same record.
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileGuardStore implements domain.GuardStore.
var _ domain.GuardStore = (*FileGuardStore)(nil)
