package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/metrics"
)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes builds the HTTP router.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.sessionsHandler)
		r.Get("/sessions/{sessionID}", s.sessionHandler)
		r.Get("/markets", s.marketsHandler)
		r.Get("/balances", s.balancesHandler)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	alloc := s.engine.Allocator()
	status := struct {
		UUID      string `json:"uuid"`
		Name      string `json:"name"`
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
		Sessions  int    `json:"sessions"`
		Available string `json:"available_capital"`
	}{
		UUID:      s.engine.UUID,
		Name:      s.engine.Name,
		StartTime: s.engine.StartedAt().Format(time.RFC3339),
		Uptime:    time.Since(s.engine.StartedAt()).Round(time.Second).String(),
		Sessions:  len(alloc.Sessions()),
		Available: alloc.Available().String(),
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Allocator().Sessions())
}

func (s *APIServer) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	for _, c := range s.engine.Allocator().Sessions() {
		if c.SessionID == id {
			s.writeJSON(w, http.StatusOK, c)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

func (s *APIServer) marketsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Markets())
}

func (s *APIServer) balancesHandler(w http.ResponseWriter, r *http.Request) {
	balances := make([]market.Balance, 0)
	s.engine.Hub().Balances.Range(func(_ string, b market.Balance) bool {
		balances = append(balances, b)
		return true
	})
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
