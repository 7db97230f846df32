package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reconx/resilientd/internal/domain"
)

// TunnelURLStore persists the current public tunnel URL as a small JSON
// record consumed by the dashboard. It doubles as the supervisor's
// status sink: an inactive report clears the record.
type TunnelURLStore struct {
	path string
}

// NewTunnelURLStore creates a URL store backed by the given file.
func NewTunnelURLStore(path string) *TunnelURLStore {
	return &TunnelURLStore{path: path}
}

// Report persists an active status and removes the record when the
// tunnel goes inactive.
func (s *TunnelURLStore) Report(status domain.TunnelStatus) error {
	if !status.Active {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

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

// Current returns the persisted tunnel status. A missing record means
// the tunnel is inactive; an unparseable one is ErrCorruptState.
func (s *TunnelURLStore) Current() (domain.TunnelStatus, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.TunnelStatus{Active: false}, nil
		}
		return domain.TunnelStatus{}, err
	}

	var status domain.TunnelStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return domain.TunnelStatus{}, fmt.Errorf("%w: %s: %v", domain.ErrCorruptState, s.path, err)
	}
	return status, nil
}

// Ensure TunnelURLStore implements domain.TunnelStatusSink.
var _ domain.TunnelStatusSink = (*TunnelURLStore)(nil)
