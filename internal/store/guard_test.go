package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

func newTestGuardStore(t *testing.T) *FileGuardStore {
	t.Helper()
	return NewFileGuardStore(filepath.Join(t.TempDir(), "guards.json"), zap.NewNop())
}

func TestGuardStoreLoadMissingFileIsEmpty(t *testing.T) {
	store := newTestGuardStore(t)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, state.ActiveCount())
}

func TestGuardStoreActivatePersistsAcrossInstances(t *testing.T) {
	store := newTestGuardStore(t)

	require.NoError(t, store.Activate(domain.CauseNetworkOutage))
	require.NoError(t, store.Activate(domain.CauseLowBattery))

	// A fresh instance over the same file sees the same guards,
	// simulating a controller restart.
	reopened := NewFileGuardStore(store.StatePath(), zap.NewNop())
	state, err := reopened.Load()
	require.NoError(t, err)
	assert.True(t, state.IsActive(domain.CauseNetworkOutage))
	assert.True(t, state.IsActive(domain.CauseLowBattery))
	assert.False(t, state.IsActive(domain.CauseOverheat))
	assert.Equal(t, 2, state.ActiveCount())
}

func TestGuardStoreClearRemovesOnlyThatCause(t *testing.T) {
	store := newTestGuardStore(t)
	require.NoError(t, store.Activate(domain.CauseNetworkOutage))
	require.NoError(t, store.Activate(domain.CauseOverheat))

	require.NoError(t, store.Clear(domain.CauseNetworkOutage))

	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.IsActive(domain.CauseNetworkOutage))
	assert.True(t, state.IsActive(domain.CauseOverheat))
}

func TestGuardStoreClearIsIdempotent(t *testing.T) {
	store := newTestGuardStore(t)

	require.NoError(t, store.Clear(domain.CauseLowBattery))
	require.NoError(t, store.Clear(domain.CauseLowBattery))

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, state.ActiveCount())
}

func TestGuardStoreLoadCorruptFile(t *testing.T) {
	store := newTestGuardStore(t)
	require.NoError(t, os.WriteFile(store.StatePath(), []byte("{not json"), 0600))

	_, err := store.Load()
	assert.ErrorIs(t, err, domain.ErrCorruptState)
}

func TestGuardStoreLoadUnsupportedVersion(t *testing.T) {
	store := newTestGuardStore(t)
	require.NoError(t, os.WriteFile(store.StatePath(), []byte(`{"version":99,"causes":{}}`), 0600))

	_, err := store.Load()
	assert.ErrorIs(t, err, domain.ErrCorruptState)
}

func TestGuardStoreActivateRecoversFromCorruptFile(t *testing.T) {
	store := newTestGuardStore(t)
	require.NoError(t, os.WriteFile(store.StatePath(), []byte("garbage"), 0600))

	// The write path tolerates a corrupt record and rewrites it clean.
	require.NoError(t, store.Activate(domain.CauseOverheat))

	state, err := store.Load()
	require.NoError(t, err)
	assert.True(t, state.IsActive(domain.CauseOverheat))
	assert.Equal(t, 1, state.ActiveCount())
}

func TestGuardStoreLeavesNoTempFiles(t *testing.T) {
	store := newTestGuardStore(t)
	require.NoError(t, store.Activate(domain.CauseNetworkOutage))
	require.NoError(t, store.Clear(domain.CauseNetworkOutage))

	entries, err := os.ReadDir(filepath.Dir(store.StatePath()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "guards.json", entries[0].Name())
}
