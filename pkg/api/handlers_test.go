package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/federation"
	"github.com/leadforge/leadforge/pkg/portal/indiamart"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *auth.Issuer, string) {
	t.Helper()
	slotsRoot := t.TempDir()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	authz := &auth.Authorizer{AllowedSlots: map[string][]string{"client-1": {"slot-1"}}}
	registry := &federation.StaticRegistry{Nodes: map[string]types.Node{}}
	router := federation.NewRouter("local", registry, issuer)

	srv := NewServer(slotsRoot, router, issuer, authz, indiamart.New())

	layout := store.NewLayout(slotsRoot)
	require.NoError(t, store.NewStateStore(layout).WriteState("slot-1", &types.Slot{
		SlotID: "slot-1",
		Status: types.StatusRunning,
	}, nil))

	return srv, issuer, slotsRoot
}

func bearerReq(t *testing.T, method, path, token string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slots", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	srv, issuer, _ := newTestServer(t)
	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/slots?token="+tok, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleListSlotsScopesToClient(t *testing.T) {
	srv, issuer, slotsRoot := newTestServer(t)
	layout := store.NewLayout(slotsRoot)
	require.NoError(t, store.NewStateStore(layout).WriteState("slot-2", &types.Slot{SlotID: "slot-2"}, nil))
	require.NoError(t, store.NewStateStore(layout).WriteState("_template", &types.Slot{SlotID: "_template"}, nil))

	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodGet, "/slots", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var slots []types.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	require.Len(t, slots, 1)
	assert.Equal(t, "slot-1", slots[0].SlotID)
}

func TestHandleListSlotsAdminSeesAllExceptHidden(t *testing.T) {
	srv, issuer, slotsRoot := newTestServer(t)
	layout := store.NewLayout(slotsRoot)
	require.NoError(t, store.NewStateStore(layout).WriteState("slot-2", &types.Slot{SlotID: "slot-2"}, nil))
	require.NoError(t, store.NewStateStore(layout).WriteState("_template", &types.Slot{SlotID: "_template"}, nil))

	tok, err := issuer.IssueAdmin("ops")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodGet, "/slots", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var slots []types.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	assert.Len(t, slots, 2)
}

func TestHandleSlotStatusForbiddenForUnownedSlot(t *testing.T) {
	srv, issuer, slotsRoot := newTestServer(t)
	layout := store.NewLayout(slotsRoot)
	require.NoError(t, store.NewStateStore(layout).WriteState("slot-2", &types.Slot{SlotID: "slot-2"}, nil))

	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodGet, "/slots/slot-2/status", tok, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleSetConfigMergeSemantics(t *testing.T) {
	srv, issuer, _ := newTestServer(t)
	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"search_terms": []string{"steel pipes"}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodPost, "/slots/slot-1/config", tok, body))
	require.Equal(t, http.StatusOK, w.Code)

	var cfg types.SlotConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"steel pipes"}, cfg.SearchTerms)

	// A second partial update must not clobber the first field.
	body2, err := json.Marshal(map[string]any{"max_lead_age_seconds": 3600})
	require.NoError(t, err)
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, bearerReq(t, http.MethodPost, "/slots/slot-1/config", tok, body2))
	require.Equal(t, http.StatusOK, w2.Code)

	var cfg2 types.SlotConfig
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &cfg2))
	assert.Equal(t, []string{"steel pipes"}, cfg2.SearchTerms)
	assert.Equal(t, 3600, cfg2.MaxLeadAgeSeconds)
}

func TestHandleToggleHeadless(t *testing.T) {
	srv, issuer, _ := newTestServer(t)
	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"enabled": true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodPost, "/slots/slot-1/headless", tok, body))
	require.Equal(t, http.StatusOK, w.Code)

	var cfg types.SlotConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.True(t, cfg.Headless)
}

func TestHandleCommandWritesCommandToState(t *testing.T) {
	srv, issuer, slotsRoot := newTestServer(t)
	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodPost, "/slots/slot-1/stop", tok, nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	layout := store.NewLayout(slotsRoot)
	slot, _, err := store.NewStateStore(layout).ReadState("slot-1")
	require.NoError(t, err)
	require.NotNil(t, slot.Command)
	assert.Equal(t, types.CommandStop, *slot.Command)
}

func TestHandleListLeadsEmptyLedger(t *testing.T) {
	srv, issuer, slotsRoot := newTestServer(t)
	layout := store.NewLayout(slotsRoot)
	ledger, err := store.OpenLedger(layout, "slot-1")
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodGet, "/slots/slot-1/leads", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "null", w.Body.String())
}

func TestDispatchClusterLocalLoopback(t *testing.T) {
	srv, issuer, _ := newTestServer(t)
	tok, err := issuer.Issue("client-1", auth.RoleClient)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	path := "/cluster/slots/local/slot-1/status"
	srv.Handler().ServeHTTP(w, bearerReq(t, http.MethodGet, path, tok, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var slot types.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slot))
	assert.Equal(t, "slot-1", slot.SlotID)
}
