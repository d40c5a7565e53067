package store

import (
	"encoding/json"
	"fmt"
	"os"
)

// Cookie is one entry in the session blob, matching the persisted shape
// used by the HTTP session store.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
}

// SessionStore manages the per-slot cookie blob (session.enc — JSON
// despite the extension).
type SessionStore struct {
	layout *Layout
}

func NewSessionStore(layout *Layout) *SessionStore {
	return &SessionStore{layout: layout}
}

// Load returns the slot's cookies. An absent or empty file yields an empty,
// non-error result: the worker interprets that as "no session" and
// transitions to NEEDS_LOGIN rather than failing.
func (s *SessionStore) Load(slotID string) ([]Cookie, error) {
	data, err := os.ReadFile(s.layout.SessionPath(slotID))
	if os.IsNotExist(err) || len(data) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", slotID, err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, nil
	}
	return cookies, nil
}

// Save atomically writes the cookie list exported from the browser
// capability after a successful remote login.
func (s *SessionStore) Save(slotID string, cookies []Cookie) error {
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", slotID, err)
	}
	return atomicWrite(s.layout.SessionPath(slotID), data, 0o600)
}

// ModTime returns the session blob's modification time so the worker can
// detect an externally-refreshed session and hot-reload it without
// restarting.
func (s *SessionStore) ModTime(slotID string) (int64, error) {
	info, err := os.Stat(s.layout.SessionPath(slotID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// IsEmpty reports whether the slot has no usable session, triggering
// NEEDS_LOGIN at worker startup.
func (s *SessionStore) IsEmpty(slotID string) bool {
	cookies, err := s.Load(slotID)
	return err != nil || len(cookies) == 0
}
