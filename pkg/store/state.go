package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/leadforge/leadforge/pkg/types"
)

// StateStore reads and writes per-slot state documents.
type StateStore struct {
	layout *Layout
}

// NewStateStore constructs a StateStore rooted at the given layout.
func NewStateStore(layout *Layout) *StateStore {
	return &StateStore{layout: layout}
}

// ReadState returns the current document for a slot. It never blocks on a
// writer because writes are atomic renames; a concurrent writer either has
// or hasn't renamed yet, and either outcome parses cleanly.
func (s *StateStore) ReadState(slotID string) (*types.Slot, map[string]any, error) {
	path := s.layout.StatePath(slotID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, os.ErrNotExist
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read state %s: %w", slotID, err)
	}

	var slot types.Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, nil, fmt.Errorf("parse state %s: %w", slotID, err)
	}

	// Preserve unknown fields so forward-compatible documents round-trip.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse state raw %s: %w", slotID, err)
	}

	return &slot, raw, nil
}

// WriteState atomically persists a slot document. extra carries any
// unknown fields read back from disk that the typed Slot struct doesn't
// model, so they survive the round trip untouched.
func (s *StateStore) WriteState(slotID string, slot *types.Slot, extra map[string]any) error {
	now := time.Now().UTC()
	slot.UpdatedAt = &now

	typed, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", slotID, err)
	}

	merged := map[string]any{}
	for k, v := range extra {
		merged[k] = v
	}
	var typedMap map[string]any
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return fmt.Errorf("remarshal state %s: %w", slotID, err)
	}
	for k, v := range typedMap {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal merged state %s: %w", slotID, err)
	}

	return atomicWrite(s.layout.StatePath(slotID), out, 0o644)
}

// EnsureDefaults creates a fresh state document if one doesn't exist, and
// backfills any missing fields on an existing one.
func (s *StateStore) EnsureDefaults(slotID, defaultWorker string, defaultMode types.SlotMode) (*types.Slot, map[string]any, error) {
	slot, extra, err := s.ReadState(slotID)
	if err == os.ErrNotExist {
		slot = &types.Slot{
			SlotID: slotID,
			Mode:   defaultMode,
			Worker: defaultWorker,
			Status: types.StatusStopped,
		}
		if err := s.WriteState(slotID, slot, nil); err != nil {
			return nil, nil, err
		}
		return slot, map[string]any{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	changed := false
	if slot.SlotID == "" {
		slot.SlotID = slotID
		changed = true
	}
	if slot.Worker == "" {
		slot.Worker = defaultWorker
		changed = true
	}
	if slot.Mode == "" {
		slot.Mode = defaultMode
		changed = true
	}
	if slot.Status == "" {
		slot.Status = types.StatusStopped
		changed = true
	}

	if changed {
		if err := s.WriteState(slotID, slot, extra); err != nil {
			return nil, nil, err
		}
	}
	return slot, extra, nil
}

// WithinStartupGrace reports whether a slot's started_at timestamp is
// still within the configured startup grace window.
func WithinStartupGrace(slot *types.Slot, grace time.Duration) bool {
	if slot.StartedAt == nil {
		return false
	}
	return time.Since(*slot.StartedAt) < grace
}
