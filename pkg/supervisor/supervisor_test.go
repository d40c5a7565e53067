package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
)

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.SlotsRoot == "" {
		cfg.SlotsRoot = t.TempDir()
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 60 * time.Second
	}
	if cfg.DefaultWorker == "" {
		cfg.DefaultWorker = "indiamart_worker"
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = types.ModeActive
	}
	return New(cfg)
}

func TestReconcileSlotCreatesDefaultsForNewSlot(t *testing.T) {
	sup := newTestSupervisor(t, Config{})
	sup.reconcileSlot("slot-1")

	slot, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, slot.Status)
	assert.Equal(t, "indiamart_worker", slot.Worker)
}

func TestReconcileSlotStopCommandClearsRunningState(t *testing.T) {
	sup := newTestSupervisor(t, Config{})
	stop := types.CommandStop
	slot := &types.Slot{
		SlotID:  "slot-1",
		Status:  types.StatusRunning,
		PID:     999999, // not a live pid in the test sandbox
		Command: &stop,
	}
	require.NoError(t, sup.states.WriteState("slot-1", slot, nil))

	sup.reconcileSlot("slot-1")

	got, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Nil(t, got.Command)
	assert.Equal(t, types.StopOperatorRequested, got.StopReason)
	assert.Equal(t, 0, got.PID)
}

func TestReconcileSlotObserverModeIgnoresStart(t *testing.T) {
	sup := newTestSupervisor(t, Config{})
	start := types.CommandStart
	slot := &types.Slot{SlotID: "slot-1", Mode: types.ModeObserver, Status: types.StatusStopped, Command: &start}
	require.NoError(t, sup.states.WriteState("slot-1", slot, nil))

	sup.reconcileSlot("slot-1")

	got, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, 0, got.PID)
}

func TestReconcileSlotRestartCommandStopsThenRespawns(t *testing.T) {
	sup := newTestSupervisor(t, Config{WorkerBinary: "/nonexistent/leadforge-worker"})
	restart := types.CommandRestart
	slot := &types.Slot{
		SlotID:  "slot-1",
		Status:  types.StatusRunning,
		PID:     999999, // not a live pid in the test sandbox
		Command: &restart,
	}
	require.NoError(t, sup.states.WriteState("slot-1", slot, nil))

	sup.reconcileSlot("slot-1")

	got, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Nil(t, got.Command, "restart command must be cleared even when the respawn fails")
	// The configured worker binary doesn't exist, so the respawn attempted
	// by handleRestart fails and the slot lands in StatusError rather than
	// StatusRunning — this test only needs to prove the command was acted
	// on and cleared, not that spawning a real worker succeeds.
	assert.Equal(t, types.StatusError, got.Status)
	assert.NotEmpty(t, got.StopDetail)
}

func TestReconcileLiveSlotWithinStartupGraceSkipsLivenessCheck(t *testing.T) {
	sup := newTestSupervisor(t, Config{StartupGrace: time.Minute})
	now := time.Now().UTC()
	slot := &types.Slot{
		SlotID:    "slot-1",
		Status:    types.StatusStarting,
		PID:       999999,
		StartedAt: &now,
	}
	require.NoError(t, sup.states.WriteState("slot-1", slot, nil))

	sup.reconcileSlot("slot-1")

	got, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status)
}

func TestReconcileLiveSlotDeadPidMarksDead(t *testing.T) {
	sup := newTestSupervisor(t, Config{StartupGrace: 0})
	started := time.Now().UTC().Add(-time.Hour)
	slot := &types.Slot{
		SlotID:    "slot-1",
		Status:    types.StatusRunning,
		PID:       999999, // almost certainly not alive
		StartedAt: &started,
	}
	require.NoError(t, sup.states.WriteState("slot-1", slot, nil))

	sup.reconcileSlot("slot-1")

	got, _, err := sup.states.ReadState("slot-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, got.Status)
	assert.Equal(t, types.StopDeadPID, got.StopReason)
}

func TestWithinStartupGraceHelperUnaffectedBySupervisor(t *testing.T) {
	// Sanity check the store helper the supervisor depends on directly,
	// since reconcileLiveSlot's grace branch is otherwise only exercised
	// indirectly above.
	now := time.Now().UTC()
	assert.True(t, store.WithinStartupGrace(&types.Slot{StartedAt: &now}, time.Minute))
}
