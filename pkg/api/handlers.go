package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/federation"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// authMiddleware extracts and verifies the bearer token, storing claims
// on the request context. Authorization failures always return 401/403
// without leaking identifiers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}

// requireSlotAccess checks local authorization before any per-slot
// handler runs, evaluated locally before any network call.
func (s *Server) requireSlotAccess(w http.ResponseWriter, r *http.Request, slotID string) bool {
	claims := claimsFrom(r)
	if claims == nil || !s.authz.CanAccessSlot(claims, slotID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// handleListSlots lists visible slots: admin sees all, clients see their
// allowed set; hidden slots (id starting with "_") are excluded.
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	ids, err := s.layout.ListSlotIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var slots []*types.Slot
	for _, id := range ids {
		if strings.HasPrefix(id, "_") {
			continue
		}
		if !s.authz.IsAdmin(claims) && !s.authz.CanAccessSlot(claims, id) {
			continue
		}
		slot, _, err := s.states.ReadState(id)
		if err != nil {
			continue
		}
		slots = append(slots, slot)
	}
	writeJSON(w, http.StatusOK, slots)
}

func (s *Server) handleSlotStatus(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	slot, _, err := s.states.ReadState(slotID)
	if err != nil {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *Server) handleSlotMetrics(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	slot, _, err := s.states.ReadState(slotID)
	if err != nil {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	writeJSON(w, http.StatusOK, slot.Metrics)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetConfig merges posted fields into the live config. Invalid
// payloads are rejected with 400 (ConfigInvalid) and never mutate state.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}

	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := decodeJSONMerge(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}
	if err := s.configs.Save(slotID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleToggleLoginMode(w http.ResponseWriter, r *http.Request) {
	s.toggleBoolField(w, r, func(c *types.SlotConfig, v bool) { c.LoginMode = v })
}

func (s *Server) handleToggleHeadless(w http.ResponseWriter, r *http.Request) {
	s.toggleBoolField(w, r, func(c *types.SlotConfig, v bool) { c.Headless = v })
}

func (s *Server) toggleBoolField(w http.ResponseWriter, r *http.Request, set func(*types.SlotConfig, bool)) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	set(&cfg, body.Enabled)
	if err := s.configs.Save(slotID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg.DisplayName = body.DisplayName
	if err := s.configs.Save(slotID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	leads, err := s.readLeads(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *Server) handleDownloadLeads(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	leads, err := s.readLeads(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", federation.DownloadDisposition(slotID))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "lead_id,title,country,status,fetched_at")
	for _, l := range leads {
		fmt.Fprintf(w, "%s,%q,%s,%s,%s\n", l.LeadID, l.Title, l.Country, l.Status, l.FetchedAt.Format("2006-01-02T15:04:05Z"))
	}
}

func (s *Server) readLeads(slotID string) ([]types.Lead, error) {
	ledger, err := store.OpenLedgerReadOnly(s.layout, slotID)
	if err != nil {
		return nil, err
	}
	defer ledger.Close()
	return ledger.AllLeads()
}

// handleCommand writes a command into the slot's state document; the
// supervisor's reconciliation loop picks it up and applies command-first
// semantics on its next cycle.
func (s *Server) handleCommand(cmd types.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID := chi.URLParam(r, "slotID")
		if !s.requireSlotAccess(w, r, slotID) {
			return
		}
		slot, extra, err := s.states.ReadState(slotID)
		if err != nil {
			writeError(w, http.StatusNotFound, "slot not found")
			return
		}
		c := cmd
		slot.Command = &c
		if err := s.states.WriteState(slotID, slot, extra); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, slot)
	}
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	state := chi.URLParam(r, "state")
	cfg, err := s.configs.Load(slotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg.DryRun = state == "on"
	if err := s.configs.Save(slotID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleLoginRequest(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}
	slot, extra, err := s.states.ReadState(slotID)
	if err != nil {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	slot.Status = types.StatusNeedsLogin
	if err := s.states.WriteState(slotID, slot, extra); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// handleClusterSlotGET and handleClusterSlotPOST resolve node_id and
// either run the local handler (by rewriting the request onto the
// non-cluster route and re-invoking Handler()) or forward through
// pkg/federation and write the upstream status and body back verbatim.
// The upstream body is read in full before it is written, not streamed.
func (s *Server) handleClusterSlotGET(w http.ResponseWriter, r *http.Request) { s.dispatchCluster(w, r) }
func (s *Server) handleClusterSlotPOST(w http.ResponseWriter, r *http.Request) {
	s.dispatchCluster(w, r)
}

func (s *Server) dispatchCluster(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	slotID := chi.URLParam(r, "slotID")
	if slotID == "" {
		slotID = chi.URLParam(r, "sid")
	}
	if !s.requireSlotAccess(w, r, slotID) {
		return
	}

	kind := "slots"
	base := "/slots/" + slotID
	if chi.URLParam(r, "sid") != "" {
		kind = "remote-login"
		base = "/remote-login/sessions/" + slotID
	}
	prefix := fmt.Sprintf("/cluster/%s/%s/%s", kind, nodeID, slotID)
	localPath := base + strings.TrimPrefix(r.URL.Path, prefix)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	resp, err := s.router.Dispatch(r.Context(), nodeID, r.Method, localPath, body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if resp.Local {
		// Drop the current chi route context so the re-invoked router
		// routes on the rewritten path instead of reusing this match.
		r2 := r.Clone(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
		r2.URL.Path = localPath
		r2.URL.RawPath = ""
		r2.Body = io.NopCloser(bytes.NewReader(body))
		r2.ContentLength = int64(len(body))
		s.Handler().ServeHTTP(w, r2)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if kind == "slots" && strings.HasSuffix(localPath, "/leads/download") {
		w.Header().Set("Content-Disposition", federation.DownloadDisposition(slotID))
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeJSONMerge decodes the request body onto an existing config value:
// fields absent from the JSON payload keep their current values, giving
// handleSetConfig partial-update semantics.
func decodeJSONMerge(r *http.Request, cfg *types.SlotConfig) error {
	return decodeJSON(r, cfg)
}
