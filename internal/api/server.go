package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
)

// Analyzer is the part of the analysis service the API drives.
type Analyzer interface {
	Start(ctx context.Context, req analysis.Request) (*analysis.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*analysis.Run, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit int) ([]analysis.Run, error)
	Watch(ctx context.Context, id uuid.UUID) (<-chan analysis.Run, error)
}

var _ Analyzer = (*analysis.Service)(nil)

// Info describes the running instance for the status endpoint.
type Info struct {
	Provider    string
	Model       string
	Persistence bool
	Events      bool
}

type Server struct {
	router *chi.Mux
	port   int
	svc    Analyzer
	info   Info
	http   *http.Server
}

func NewServer(port int, apiToken string, svc Analyzer, info Info) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		svc:    svc,
		info:   info,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/spotlight/status", s.status)
		r.Post("/segment", s.segment)
		r.Get("/schema/analysis-request", s.requestSchema)
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", s.startAnalysis)
			r.Get("/", s.listAnalyses)
			r.Get("/{id}", s.getAnalysis)
			r.Delete("/{id}", s.cancelAnalysis)
			r.Get("/{id}/stream", s.streamAnalysis)
		})
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	slog.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":       "spotlight",
		"status":      "ok",
		"provider":    s.info.Provider,
		"model":       s.info.Model,
		"persistence": s.info.Persistence,
		"events":      s.info.Events,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
