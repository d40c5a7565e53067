package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/leadforge/leadforge/pkg/browser"
	"github.com/leadforge/leadforge/pkg/store"
)

// defaultRemoteLoginTimeout bounds an idle remote-login session when
// REMOTE_LOGIN_TIMEOUT_MINUTES is unset.
const defaultRemoteLoginTimeout = 10 * time.Minute

// remoteLoginStatus is the lifecycle of one operator-driven login session.
type remoteLoginStatus string

const (
	remoteLoginActive remoteLoginStatus = "active"
	remoteLoginDone    remoteLoginStatus = "done"
	remoteLoginFailed  remoteLoginStatus = "failed"
)

// remoteLoginSession owns one browser.Capability opened against a slot's
// profile directory for the duration of an operator-driven login, streamed
// to the control-plane UI over a screencast WebSocket.
type remoteLoginSession struct {
	id     string
	slotID string

	mu       sync.Mutex
	status   remoteLoginStatus
	lastErr  string
	touched  time.Time

	browser browser.Capability
	frames  chan browser.Frame
	cancel  context.CancelFunc
}

func (sess *remoteLoginSession) touch() {
	sess.mu.Lock()
	sess.touched = time.Now()
	sess.mu.Unlock()
}

func (sess *remoteLoginSession) snapshot() (remoteLoginStatus, string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status, sess.lastErr
}

func (sess *remoteLoginSession) setStatus(status remoteLoginStatus, errMsg string) {
	sess.mu.Lock()
	sess.status = status
	sess.lastErr = errMsg
	sess.mu.Unlock()
}

// remoteLoginManager tracks in-flight remote-login sessions keyed by
// session id and reaps idle ones, grounded on the supervisor's own
// reconcile-loop-plus-timeout shape (pkg/supervisor/supervisor.go) applied
// here to browser sessions instead of worker processes.
type remoteLoginManager struct {
	layout     *store.Layout
	sessions   *store.SessionStore
	newBrowser BrowserFactory
	idleTimeout time.Duration

	mu   sync.Mutex
	byID map[string]*remoteLoginSession
}

func newRemoteLoginManager(layout *store.Layout, sessions *store.SessionStore, factory BrowserFactory) *remoteLoginManager {
	timeout := defaultRemoteLoginTimeout
	if v := os.Getenv("REMOTE_LOGIN_TIMEOUT_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			timeout = time.Duration(mins) * time.Minute
		}
	}
	m := &remoteLoginManager{
		layout:      layout,
		sessions:    sessions,
		newBrowser:  factory,
		idleTimeout: timeout,
		byID:        make(map[string]*remoteLoginSession),
	}
	go m.reapLoop()
	return m
}

func (m *remoteLoginManager) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		for id, sess := range m.byID {
			sess.mu.Lock()
			idle := time.Since(sess.touched)
			sess.mu.Unlock()
			if idle > m.idleTimeout {
				sess.cancel()
				if sess.browser != nil {
					_ = sess.browser.Close()
				}
				delete(m.byID, id)
			}
		}
		m.mu.Unlock()
	}
}

func (m *remoteLoginManager) start(slotID, loginURL string, headless bool) (*remoteLoginSession, error) {
	cap, err := m.newBrowser(m.layout.ProfileDir(slotID), headless)
	if err != nil {
		return nil, fmt.Errorf("launch remote-login browser: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &remoteLoginSession{
		id:      uuid.NewString(),
		slotID:  slotID,
		status:  remoteLoginActive,
		touched: time.Now(),
		browser: cap,
		frames:  make(chan browser.Frame, 4),
		cancel:  cancel,
	}

	if err := cap.Navigate(ctx, loginURL); err != nil {
		cancel()
		_ = cap.Close()
		return nil, fmt.Errorf("navigate remote-login session: %w", err)
	}

	go func() {
		if err := cap.Screencast(ctx, sess.frames); err != nil && ctx.Err() == nil {
			sess.setStatus(remoteLoginFailed, err.Error())
		}
	}()

	m.mu.Lock()
	m.byID[sess.id] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *remoteLoginManager) get(sid string) (*remoteLoginSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sid]
	return sess, ok
}

// finish exports cookies from the session's browser, persists them as the
// slot's session blob, and tears the browser down.
func (m *remoteLoginManager) finish(sess *remoteLoginSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cookies, err := sess.browser.ExportCookies(ctx)
	if err != nil {
		sess.setStatus(remoteLoginFailed, err.Error())
		return fmt.Errorf("export cookies: %w", err)
	}
	if err := m.sessions.Save(sess.slotID, cookies); err != nil {
		sess.setStatus(remoteLoginFailed, err.Error())
		return fmt.Errorf("save session: %w", err)
	}

	sess.cancel()
	_ = sess.browser.Close()
	sess.setStatus(remoteLoginDone, "")

	m.mu.Lock()
	delete(m.byID, sess.id)
	m.mu.Unlock()
	return nil
}

// remoteLoginInput is one operator input message relayed from the
// control-plane UI to the in-flight browser session, matching the
// `{type:"mouse", ...}` / `{type:"key", ...}` shapes.
// Capability exposes only click_by_selector and evaluate_script, not raw
// pointer/keyboard primitives, so mouse events are synthesized by
// dispatching a DOM event at the given coordinate and key events by
// driving document.activeElement through Eval.
type remoteLoginInput struct {
	Type   string  `json:"type"`
	Event  string  `json:"event,omitempty"`  // mouse: move|down|up|click|wheel
	Action string  `json:"action,omitempty"` // key: type|press
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button string  `json:"button,omitempty"`
	DX     float64 `json:"dx,omitempty"`
	DY     float64 `json:"dy,omitempty"`
	Text   string  `json:"text,omitempty"`
	Key    string  `json:"key,omitempty"`
}

func (sess *remoteLoginSession) apply(ctx context.Context, in remoteLoginInput) error {
	switch in.Type {
	case "mouse":
		return sess.applyMouse(ctx, in)
	case "key":
		return sess.applyKey(ctx, in)
	default:
		return fmt.Errorf("unknown remote-login input type %q", in.Type)
	}
}

func (sess *remoteLoginSession) applyMouse(ctx context.Context, in remoteLoginInput) error {
	switch in.Event {
	case "click", "down":
		script := fmt.Sprintf(
			`(function(){var el=document.elementFromPoint(%f,%f); if(!el) return false; el.dispatchEvent(new MouseEvent('click',{bubbles:true,clientX:%f,clientY:%f})); return true;})()`,
			in.X, in.Y, in.X, in.Y)
		_, err := sess.browser.Eval(ctx, script)
		return err
	case "move", "up", "wheel":
		// Cursor-tracking and scroll are cosmetic for a login flow; the
		// operator's clicks (handled above) are what actually drive the
		// page, so these are accepted as no-ops.
		return nil
	default:
		return fmt.Errorf("unknown mouse event %q", in.Event)
	}
}

func (sess *remoteLoginSession) applyKey(ctx context.Context, in remoteLoginInput) error {
	switch in.Action {
	case "type":
		script := fmt.Sprintf(
			`(function(){var el=document.activeElement; if(!el) return false; el.value=(el.value||'')+%q; el.dispatchEvent(new Event('input',{bubbles:true})); return true;})()`,
			in.Text)
		_, err := sess.browser.Eval(ctx, script)
		return err
	case "press":
		script := fmt.Sprintf(
			`(function(){var el=document.activeElement; if(!el) return false; el.dispatchEvent(new KeyboardEvent('keydown',{key:%q,bubbles:true})); el.dispatchEvent(new KeyboardEvent('keyup',{key:%q,bubbles:true})); return true;})()`,
			in.Key, in.Key)
		_, err := sess.browser.Eval(ctx, script)
		return err
	default:
		return fmt.Errorf("unknown key action %q", in.Action)
	}
}

func (s *Server) handleRemoteLoginStart(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess, err := s.remote.start(slotID, s.adapter.LoginURL(), cfg.Headless)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.id, "status": string(remoteLoginActive)})
}

func (s *Server) handleRemoteLoginStatus(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := s.remote.get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.requireSlotAccess(w, r, sess.slotID) {
		return
	}
	status, lastErr := sess.snapshot()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status), "error": lastErr})
}

func (s *Server) handleRemoteLoginInput(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := s.remote.get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.requireSlotAccess(w, r, sess.slotID) {
		return
	}

	var in remoteLoginInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid input")
		return
	}
	sess.touch()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := sess.apply(ctx, in); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoteLoginFinish(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := s.remote.get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.requireSlotAccess(w, r, sess.slotID) {
		return
	}
	if err := s.remote.finish(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(remoteLoginDone)})
}

var screencastUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// remoteLoginFrame is the outbound screencast message, matching the
// `{type:"frame", data, timestamp}` shape.
type remoteLoginFrame struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// handleRemoteLoginWS is the single duplex channel for a remote-login
// session: CDP screencast frames flow out to the control-plane UI while
// mouse/key input messages flow in, both as JSON text frames on the same
// connection.
// gorilla/websocket permits one concurrent reader and one concurrent
// writer, so the two directions run on separate goroutines.
func (s *Server) handleRemoteLoginWS(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, ok := s.remote.get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.requireSlotAccess(w, r, sess.slotID) {
		return
	}

	conn, err := screencastUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in remoteLoginInput
			if err := json.Unmarshal(raw, &in); err != nil {
				continue
			}
			sess.touch()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = sess.apply(ctx, in)
			cancel()
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-sess.frames:
			if !ok {
				return
			}
			sess.touch()
			payload, err := json.Marshal(remoteLoginFrame{
				Type:      "frame",
				Data:      frame.Data,
				Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
