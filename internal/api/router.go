package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alerting/internal/rules"
	"github.com/vaultize/alerting/internal/websocket"
)

// ServiceName appears in logs and the health payload.
const ServiceName = "Vaultize Alerting Service"

// StoreHealth reports whether the search store has ever answered.
type StoreHealth interface {
	Healthy() bool
}

// RouterConfig wires the router to the engine and its surroundings.
type RouterConfig struct {
	Service    AlertService
	Store      StoreHealth
	Hub        *websocket.Hub
	Reload     ReloadFunc
	AdminToken string
	Version    string
	StoreURL   string
	// LoadErrors reports the per-file failures of the most recent
	// rule load.
	LoadErrors func() []rules.FileError
}

// Router handles HTTP routing for the management API.
type Router struct {
	mux      *http.ServeMux
	service  AlertService
	store    StoreHealth
	hub      *websocket.Hub
	version  string
	storeURL string
	started  time.Time
}

// NewRouter creates the management API router. Wrap it with
// ErrorHandler before serving.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		service:  cfg.Service,
		store:    cfg.Store,
		hub:      cfg.Hub,
		version:  cfg.Version,
		storeURL: cfg.StoreURL,
		started:  time.Now(),
	}
	if cfg.AdminToken == "" {
		log.Warn().Msg("MGMT_ADMIN_TOKEN is empty, admin endpoints are open")
	}
	r.setupRoutes(cfg)
	return r
}

func (r *Router) setupRoutes(cfg RouterConfig) {
	alertHandlers := NewAlertHandlers(cfg.Service, cfg.Reload, cfg.AdminToken, cfg.LoadErrors)

	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.HandleFunc("/api/v1/alerts/rules", alertHandlers.HandleRules)
	r.mux.HandleFunc("/api/v1/alerts/rules/reload", RequireAdmin(cfg.AdminToken, alertHandlers.HandleReload))
	r.mux.HandleFunc("/api/v1/alerts/rules/", alertHandlers.HandleRule)
	r.mux.HandleFunc("/api/v1/alerts/history", alertHandlers.HandleHistory)
	r.mux.HandleFunc("/api/v1/alerts/stream", RequireAdmin(cfg.AdminToken, r.handleStream))
	r.mux.HandleFunc("/", r.handleNotFound)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	r.mux.ServeHTTP(w, req)
}

// handleHealth reports readiness. The payload is intentionally not
// enveloped so load balancers and probes can parse it directly.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
		return
	}

	storeHealthy := r.store != nil && r.store.Healthy()
	ready := r.service.Ready()

	var reasons []string
	if !ready {
		if !storeHealthy {
			reasons = append(reasons, "search store has not answered any request")
		} else {
			reasons = append(reasons, "engine is not running")
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	health := map[string]any{
		"status":         status,
		"service":        ServiceName,
		"version":        r.version,
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"rules_loaded":   len(r.service.Rules()),
		"store": map[string]any{
			"url":     r.storeURL,
			"healthy": storeHealthy,
		},
	}
	if len(reasons) > 0 {
		health["reasons"] = reasons
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
		return
	}
	r.hub.HandleWebSocket(w, req)
}

func (r *Router) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, kindNotFound, "no such endpoint")
}
