// Package supervisor implements the per-node reconciler that enforces
// truth between a slot's declared command/mode and its observed OS
// process. It runs a ticker-driven, mutex-guarded reconcile cycle with a
// stopCh-driven shutdown goroutine.
package supervisor

import (
	"os"
	"sync"
	"time"

	"github.com/leadforge/leadforge/pkg/log"
	"github.com/leadforge/leadforge/pkg/metrics"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
	"github.com/rs/zerolog"
)

// maxLogSize is the size-based rotation threshold: logs over this size
// are rotated to a single .log.old backup.
const maxLogSize = 5 * 1024 * 1024

func rotateLogIfLarge(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxLogSize {
		return nil
	}

	backup := path + ".old"
	os.Remove(backup)
	return os.Rename(path, backup)
}

// Config holds the supervisor's tunables, all overridable via environment
// variables.
type Config struct {
	SlotsRoot          string
	WorkerBinary       string
	DefaultWorker      string
	DefaultMode        types.SlotMode
	HeartbeatTimeout   time.Duration
	StartupGrace       time.Duration
	CheckInterval      time.Duration
}

// DefaultConfig returns the documented tunable defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		StartupGrace:     60 * time.Second,
		CheckInterval:    3 * time.Second,
		DefaultWorker:    "indiamart_worker",
		DefaultMode:      types.ModeActive,
	}
}

// Supervisor is a single process per node reconciling every known slot.
type Supervisor struct {
	cfg    Config
	layout *store.Layout
	states *store.StateStore

	mu      sync.Mutex
	stopCh  chan struct{}
	logFiles map[string]*os.File
}

func New(cfg Config) *Supervisor {
	layout := store.NewLayout(cfg.SlotsRoot)
	return &Supervisor{
		cfg:      cfg,
		layout:   layout,
		states:   store.NewStateStore(layout),
		stopCh:   make(chan struct{}),
		logFiles: make(map[string]*os.File),
	}
}

// Start runs the reconciliation loop in a goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop signals the loop to exit and closes tracked log handles.
func (s *Supervisor) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for slotID, f := range s.logFiles {
		if err := f.Close(); err != nil {
			log.WithComponent("supervisor").Warn().Str("slot_id", slotID).Err(err).Msg("error closing log handle")
		}
	}
	s.logFiles = map[string]*os.File{}
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reconcileOnce()
		}
	}
}

// reconcileOnce never lets a single slot's failure crash the loop.
func (s *Supervisor) reconcileOnce() {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("supervisor").Error().Interface("panic", r).Msg("reconciliation cycle panicked, recovering")
		}
	}()

	timer := metrics.NewTimer(metrics.ReconcileDuration)
	defer timer.ObserveDuration()
	metrics.ReconcileCyclesTotal.Inc()

	ids, err := s.layout.ListSlotIDs()
	if err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("list slot dirs")
		return
	}

	for _, slotID := range ids {
		s.reconcileSlot(slotID)
	}
}

func (s *Supervisor) reconcileSlot(slotID string) {
	l := log.WithSlotID(slotID)

	slot, extra, err := s.states.EnsureDefaults(slotID, s.cfg.DefaultWorker, s.cfg.DefaultMode)
	if err != nil {
		l.Error().Err(err).Msg("ensure state defaults")
		return
	}

	save := func() {
		if err := s.states.WriteState(slotID, slot, extra); err != nil {
			l.Error().Err(err).Msg("write state")
		}
	}

	// ---- COMMAND HANDLING (must run before any liveness/grace check) ----
	if slot.Command != nil {
		switch *slot.Command {
		case types.CommandStart:
			s.handleStart(slotID, slot, l)
			slot.Command = nil
			save()
			return
		case types.CommandStop:
			s.handleStop(slotID, slot, l)
			slot.Command = nil
			save()
			return
		case types.CommandPause:
			s.handlePause(slotID, slot, l)
			slot.Command = nil
			save()
			return
		case types.CommandRestart:
			s.handleRestart(slotID, slot, l)
			slot.Command = nil
			save()
			return
		}
	}

	switch slot.Status {
	case types.StatusStopped, types.StatusPaused, types.StatusDead:
		// Sweep any lingering processes tied to this slot's directory or
		// browser profile before leaving it idle.
		SweepOrphans(s.layout.SlotDir(slotID), s.layout.ProfileDir(slotID), slot.PID)
		if slot.PID != 0 {
			slot.PID = 0
			slot.LastHeartbeat = nil
			save()
		}
		return
	case types.StatusRunning, types.StatusStarting, types.StatusStopping:
		s.reconcileLiveSlot(slotID, slot, save, l)
	}
}

func (s *Supervisor) handleStart(slotID string, slot *types.Slot, l zerolog.Logger) {
	if slot.Mode == types.ModeObserver {
		l.Info().Msg("observer mode — cannot start")
		return
	}
	if IsProcessRunning(slot.PID) {
		return
	}

	SweepOrphans(s.layout.SlotDir(slotID), s.layout.ProfileDir(slotID), 0)

	logFile, err := s.openLogFile(slotID)
	if err != nil {
		l.Error().Err(err).Msg("open worker log")
		slot.Status = types.StatusError
		slot.StopDetail = err.Error()
		return
	}

	pid, err := SpawnWorker(s.cfg.WorkerBinary, s.layout.SlotDir(slotID), logFile)
	if err != nil {
		l.Error().Err(err).Msg("spawn worker")
		slot.Status = types.StatusError
		slot.StopDetail = err.Error()
		return
	}

	now := time.Now().UTC()
	slot.PID = pid
	slot.Status = types.StatusRunning
	slot.Busy = true
	slot.StartedAt = &now
	// Seed last_heartbeat so the startup grace window, not a missing
	// heartbeat, is what protects a cold browser warm-up.
	slot.LastHeartbeat = &now
	slot.StopReason = ""
	slot.StopDetail = ""
	l.Info().Int("pid", pid).Msg("started worker")
}

func (s *Supervisor) handleStop(slotID string, slot *types.Slot, l zerolog.Logger) {
	if IsProcessRunning(slot.PID) {
		if err := StopProcess(slot.PID, 3*time.Second); err != nil {
			l.Warn().Err(err).Msg("stop worker")
		}
	}
	SweepOrphans(s.layout.SlotDir(slotID), s.layout.ProfileDir(slotID), 0)

	now := time.Now().UTC()
	slot.Status = types.StatusStopped
	slot.PID = 0
	slot.Busy = false
	slot.StartedAt = nil
	slot.LastHeartbeat = nil
	slot.StopReason = types.StopOperatorRequested
	slot.StoppedAt = &now
}

// handleRestart stops the existing worker (if any) and immediately
// re-spawns it, reusing handleStop/handleStart so a restart behaves as
// exactly that sequence rather than a distinct code path.
func (s *Supervisor) handleRestart(slotID string, slot *types.Slot, l zerolog.Logger) {
	s.handleStop(slotID, slot, l)
	slot.StopReason = ""
	slot.StoppedAt = nil
	s.handleStart(slotID, slot, l)
}

func (s *Supervisor) handlePause(slotID string, slot *types.Slot, l zerolog.Logger) {
	if IsProcessRunning(slot.PID) {
		if err := StopProcess(slot.PID, 3*time.Second); err != nil {
			l.Warn().Err(err).Msg("pause worker")
		}
	}
	slot.Status = types.StatusPaused
	slot.PID = 0
}

// reconcileLiveSlot applies the grace-window, PID-liveness, and heartbeat
// checks, in that order, for a slot currently believed to be live.
func (s *Supervisor) reconcileLiveSlot(slotID string, slot *types.Slot, save func(), l zerolog.Logger) {
	if store.WithinStartupGrace(slot, s.cfg.StartupGrace) {
		save()
		return
	}

	if !IsProcessRunning(slot.PID) {
		l.Warn().Msg("dead or missing pid, marking dead")
		now := time.Now().UTC()
		slot.Status = types.StatusDead
		slot.PID = 0
		slot.Busy = false
		slot.LastHeartbeat = nil
		slot.StopReason = types.StopDeadPID
		slot.StoppedAt = &now
		save()
		return
	}

	if slot.LastHeartbeat == nil {
		if slot.Status == types.StatusRunning {
			l.Warn().Msg("no heartbeat for running slot, marking dead")
			now := time.Now().UTC()
			slot.Status = types.StatusDead
			slot.Busy = false
			slot.StopReason = types.StopNoHeartbeat
			slot.StoppedAt = &now
		}
		save()
		return
	}

	if time.Since(*slot.LastHeartbeat) > s.cfg.HeartbeatTimeout {
		l.Warn().Msg("heartbeat timeout")
		if IsProcessRunning(slot.PID) {
			if err := StopProcess(slot.PID, 3*time.Second); err != nil {
				l.Warn().Err(err).Msg("stop timed-out worker")
			}
		}
		now := time.Now().UTC()
		slot.Status = types.StatusDead
		slot.PID = 0
		slot.Busy = false
		slot.LastHeartbeat = nil
		slot.StopReason = types.StopHeartbeatTimeout
		slot.StoppedAt = &now
		save()
		return
	}

	save()
}

func (s *Supervisor) openLogFile(slotID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.logFiles[slotID]; ok {
		existing.Close()
		delete(s.logFiles, slotID)
	}

	path := s.layout.LogPath(slotID)
	if err := rotateLogIfLarge(path); err != nil {
		log.WithComponent("supervisor").Warn().Str("slot_id", slotID).Err(err).Msg("rotate log")
	}

	if err := os.MkdirAll(s.layout.SlotDir(slotID), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.logFiles[slotID] = f
	return f, nil
}
