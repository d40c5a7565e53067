package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadforge/pkg/types"
)

func TestListSlotIDsSkipsHiddenAndUnderscored(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"slot-1", "slot-2", "_template", ".hidden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "not-a-dir"), []byte("x"), 0o644))

	ids, err := NewLayout(root).ListSlotIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"slot-1", "slot-2"}, ids)
}

func TestListSlotIDsMissingRoot(t *testing.T) {
	ids, err := NewLayout(filepath.Join(t.TempDir(), "missing")).ListSlotIDs()
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestStateStoreRoundTrip(t *testing.T) {
	layout := NewLayout(t.TempDir())
	states := NewStateStore(layout)

	slot := &types.Slot{SlotID: "slot-1", Mode: types.ModeActive, Status: types.StatusStopped}
	require.NoError(t, states.WriteState("slot-1", slot, nil))

	got, extra, err := states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, "slot-1", got.SlotID)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.NotNil(t, got.UpdatedAt)
	assert.NotNil(t, extra)
}

func TestStateStorePreservesUnknownFields(t *testing.T) {
	layout := NewLayout(t.TempDir())
	states := NewStateStore(layout)

	slot := &types.Slot{SlotID: "slot-1"}
	require.NoError(t, states.WriteState("slot-1", slot, map[string]any{"legacy_flag": true}))

	_, extra, err := states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, true, extra["legacy_flag"])

	// Re-writing with the round-tripped extra must not drop the field.
	got, extra2, err := states.ReadState("slot-1")
	require.NoError(t, err)
	require.NoError(t, states.WriteState("slot-1", got, extra2))
	_, extra3, err := states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, true, extra3["legacy_flag"])
}

func TestStateStoreReadMissing(t *testing.T) {
	layout := NewLayout(t.TempDir())
	states := NewStateStore(layout)
	_, _, err := states.ReadState("nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnsureDefaultsCreatesFreshDocument(t *testing.T) {
	layout := NewLayout(t.TempDir())
	states := NewStateStore(layout)

	slot, _, err := states.EnsureDefaults("slot-1", "indiamart_worker", types.ModeActive)
	require.NoError(t, err)
	assert.Equal(t, "slot-1", slot.SlotID)
	assert.Equal(t, "indiamart_worker", slot.Worker)
	assert.Equal(t, types.StatusStopped, slot.Status)
}

func TestEnsureDefaultsBackfillsMissingFields(t *testing.T) {
	layout := NewLayout(t.TempDir())
	states := NewStateStore(layout)

	require.NoError(t, states.WriteState("slot-1", &types.Slot{}, nil))
	slot, _, err := states.EnsureDefaults("slot-1", "indiamart_worker", types.ModeObserver)
	require.NoError(t, err)
	assert.Equal(t, "slot-1", slot.SlotID)
	assert.Equal(t, "indiamart_worker", slot.Worker)
	assert.Equal(t, types.ModeObserver, slot.Mode)
	assert.Equal(t, types.StatusStopped, slot.Status)
}

func TestWithinStartupGrace(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-5 * time.Second)
	old := now.Add(-5 * time.Minute)

	assert.True(t, WithinStartupGrace(&types.Slot{StartedAt: &recent}, 60*time.Second))
	assert.False(t, WithinStartupGrace(&types.Slot{StartedAt: &old}, 60*time.Second))
	assert.False(t, WithinStartupGrace(&types.Slot{}, 60*time.Second))
}

func TestConfigStoreDefaultsOnMissingFile(t *testing.T) {
	layout := NewLayout(t.TempDir())
	configs := NewConfigStore(layout)

	cfg, err := configs.Load("slot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pharma exporters"}, cfg.SearchTerms)
	assert.Equal(t, 5, cfg.MaxClicksPerCycle)
}

func TestConfigStoreSaveAndLoadRoundTrip(t *testing.T) {
	layout := NewLayout(t.TempDir())
	configs := NewConfigStore(layout)

	cfg := defaultSlotConfig()
	cfg.SearchTerms = []string{"steel pipes", "copper wire"}
	cfg.MaxLeadAgeSeconds = 3600
	cfg.Country = []string{"IN"}

	require.NoError(t, configs.Save("slot-1", cfg))

	got, err := configs.Load("slot-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.SearchTerms, got.SearchTerms)
	assert.Equal(t, 3600, got.MaxLeadAgeSeconds)
	assert.Equal(t, []string{"IN"}, got.Country)
}

func TestAtomicWriteNeverLeavesTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "doc.json")

	require.NoError(t, atomicWrite(path, []byte(`{"a":1}`), 0o644))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}
