// Package api implements the control-plane HTTP/WebSocket surface using
// go-chi/chi/v5: chi.NewRouter, a middleware stack, r.Route groups, and
// writeJSON/writeError helpers, with conditional mounts for optional
// surfaces like metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/browser"
	"github.com/leadforge/leadforge/pkg/federation"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/worker"
)

// BrowserFactory launches a browser.Capability rooted at a slot's profile
// directory, swappable in tests for a scriptable fake.
type BrowserFactory func(profileDir string, headless bool) (browser.Capability, error)

// Server is the control-plane HTTP API: per-slot operations, cluster
// mirrors resolved through pkg/federation, and remote-login sessions.
type Server struct {
	layout   *store.Layout
	states   *store.StateStore
	configs  *store.ConfigStore
	sessions *store.SessionStore
	router   *federation.Router
	issuer   *auth.Issuer
	authz    *auth.Authorizer
	remote   *remoteLoginManager
	adapter  worker.PortalAdapter

	metricsEnabled bool
}

// NewServer constructs a Server bound to a slots root, a federation
// router, a token issuer/authorizer pair, and the portal adapter whose
// LoginURL seeds new remote-login sessions.
func NewServer(slotsRoot string, fedRouter *federation.Router, issuer *auth.Issuer, authz *auth.Authorizer, adapter worker.PortalAdapter) *Server {
	layout := store.NewLayout(slotsRoot)
	sessions := store.NewSessionStore(layout)
	factory := func(profileDir string, headless bool) (browser.Capability, error) {
		return browser.New(profileDir, headless)
	}
	return &Server{
		layout:   layout,
		states:   store.NewStateStore(layout),
		configs:  store.NewConfigStore(layout),
		sessions: sessions,
		router:   fedRouter,
		issuer:   issuer,
		authz:    authz,
		adapter:  adapter,
		remote:   newRemoteLoginManager(layout, sessions, factory),
	}
}

// EnableMetrics mounts /metrics.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every control-plane route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.authMiddleware)

	r.Get("/slots", s.handleListSlots)

	r.Route("/slots/{slotID}", func(r chi.Router) {
		r.Get("/status", s.handleSlotStatus)
		r.Get("/metrics", s.handleSlotMetrics)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleSetConfig)
		r.Get("/quality", s.handleGetConfig)
		r.Post("/quality", s.handleSetConfig)
		r.Get("/client-limits", s.handleGetConfig)
		r.Post("/client-limits", s.handleSetConfig)
		r.Get("/login-mode", s.handleGetConfig)
		r.Post("/login-mode", s.handleToggleLoginMode)
		r.Get("/headless", s.handleGetConfig)
		r.Post("/headless", s.handleToggleHeadless)
		r.Post("/display-name", s.handleSetDisplayName)
		r.Get("/leads", s.handleListLeads)
		r.Get("/leads/download", s.handleDownloadLeads)

		r.Post("/start", s.handleCommand("START"))
		r.Post("/stop", s.handleCommand("STOP"))
		r.Post("/restart", s.handleCommand("RESTART"))
		r.Post("/pause", s.handleCommand("PAUSE"))
		r.Post("/dry-run/{state}", s.handleDryRun)
		r.Post("/login-request", s.handleLoginRequest)
		r.Post("/remote-login/start", s.handleRemoteLoginStart)
	})

	r.Get("/remote-login/sessions/{sid}", s.handleRemoteLoginStatus)
	r.Post("/remote-login/sessions/{sid}", s.handleRemoteLoginInput)
	r.Post("/remote-login/sessions/{sid}/finish", s.handleRemoteLoginFinish)
	r.Get("/remote-login/ws/{sid}", s.handleRemoteLoginWS)

	r.Route("/cluster/slots/{nodeID}/{slotID}", func(r chi.Router) {
		r.Get("/*", s.handleClusterSlotGET)
		r.Post("/*", s.handleClusterSlotPOST)
	})
	r.Route("/cluster/remote-login/{nodeID}/{sid}", func(r chi.Router) {
		r.Get("/*", s.handleClusterSlotGET)
		r.Post("/*", s.handleClusterSlotPOST)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
