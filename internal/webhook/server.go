// Package webhook exposes the HTTP surface: the scan-alert webhook, position
// and alert-history reads, and the admin operations (kill switch, square-off,
// alert-config CRUD).
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/chartink"
	"github.com/algoedge/tickpilot/internal/engine"
	"github.com/algoedge/tickpilot/internal/models"
	"github.com/algoedge/tickpilot/internal/store"
)

// Config holds the server settings.
type Config struct {
	Addr      string
	AuthToken string
	// OnSession is called after a successful token exchange so a live broker
	// client can adopt the new session without a restart; nil disables it.
	OnSession func(userID int64, apiKey, accessToken string)
}

// Server routes webhook and admin traffic to per-user engines.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     store.Interface
	logger    *logrus.Logger
	addr      string
	authToken string

	// lookup resolves the engine for a user; nil/false means unknown user.
	lookup func(userID int64) (*engine.Engine, bool)

	onSession func(userID int64, apiKey, accessToken string)
	// exchangeToken swaps a post-login request token for an access token.
	// Replaced in tests.
	exchangeToken func(ctx context.Context, apiKey, apiSecret, requestToken string) (string, error)
}

// NewServer builds the router. lookup resolves per-user engines.
func NewServer(cfg Config, st store.Interface, lookup func(int64) (*engine.Engine, bool), logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
		lookup:    lookup,
		onSession: cfg.OnSession,
	}
	s.exchangeToken = func(ctx context.Context, apiKey, apiSecret, requestToken string) (string, error) {
		return broker.NewKiteClient(apiKey, "", logger).GenerateSession(ctx, requestToken, apiSecret)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/webhook/chartink/{userID}", s.handleChartinkAlert)

	s.router.Route("/api/{userID}", func(r chi.Router) {
		r.Get("/positions", s.handlePositions)
		r.Get("/alerts", s.handleRecentAlerts)
		r.Post("/squareoff/{symbol}", s.handleSquareOff)
		r.Post("/squareoff", s.handleBulkSquareOff)
		r.Post("/kill", s.handleKillSwitch)
		r.Post("/auto-squareoff", s.handleAutoSquareOff)
		r.Get("/alert-configs", s.handleListConfigs)
		r.Put("/alert-configs", s.handleSaveConfig)
		r.Delete("/alert-configs/{name}", s.handleDeleteConfig)
		r.Post("/session/credentials", s.handleSaveCredentials)
		r.Post("/session", s.handleCreateSession)
		r.Delete("/session", s.handleClearSession)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler; used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("starting webhook server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// userEngine resolves the {userID} route param to an engine.
func (s *Server) userEngine(w http.ResponseWriter, r *http.Request) (int64, *engine.Engine, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, nil, false
	}
	eng, ok := s.lookup(userID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown user")
		return 0, nil, false
	}
	return userID, eng, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleChartinkAlert(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.userEngine(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	payload, err := chartink.ParseBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unparseable payload")
		return
	}
	alert := chartink.ParsePayload(payload)

	rec := eng.HandleAlert(r.Context(), alert)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"alert":   rec.Name,
		"symbols": rec.Symbols,
		"result":  rec.Result,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "positions": eng.Positions()})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	alerts, err := s.store.GetRecentAlerts(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alerts": alerts})
}

func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	symbol := chartink.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	if err := eng.ManualSquareOff(r.Context(), symbol); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbol": symbol})
}

func (s *Server) handleBulkSquareOff(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	n := eng.BulkSquareOff(r.Context(), models.ExitAutoSqOff)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": n})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SetKill(r.Context(), userID, req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": req.Enabled})
}

func (s *Server) handleAutoSquareOff(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SetAutoSquareOff(r.Context(), userID, req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": req.Enabled})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	configs, err := s.store.ListAlertConfigs(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "configs": configs})
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	cfg, err := models.ParseAlertConfig(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.AlertNameRaw = cfg.AlertName
	cfg.AlertName = chartink.NormalizeAlertName(cfg.AlertName)
	if err := cfg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveAlertConfig(r.Context(), userID, &cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert_name": cfg.AlertName})
}

func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" || req.APISecret == "" {
		s.writeError(w, http.StatusBadRequest, "api_key and api_secret are required")
		return
	}
	if err := s.store.SaveCredentials(r.Context(), userID, req.APIKey, req.APISecret); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCreateSession completes the daily broker login: the operator posts the
// request token from the login redirect and the server exchanges it.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		RequestToken string `json:"request_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestToken == "" {
		s.writeError(w, http.StatusBadRequest, "request_token is required")
		return
	}

	apiKey, apiSecret, err := s.store.Credentials(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusBadRequest, "broker credentials not set")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	accessToken, err := s.exchangeToken(r.Context(), apiKey, apiSecret, req.RequestToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.store.SaveAccessToken(r.Context(), userID, accessToken); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.onSession != nil {
		s.onSession(userID, apiKey, accessToken)
	}
	s.logger.WithField("user", userID).Info("broker session established")
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	if err := s.store.ClearAccessToken(r.Context(), userID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.onSession != nil {
		s.onSession(userID, "", "")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.userEngine(w, r)
	if !ok {
		return
	}
	name := chartink.NormalizeAlertName(chi.URLParam(r, "name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "invalid name")
		return
	}
	if err := s.store.DeleteAlertConfig(r.Context(), userID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no such config")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert_name": name})
}
