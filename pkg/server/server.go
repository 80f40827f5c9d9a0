// Package server maps HTTP routes onto the session pool, the challenge
// resolver, and the transfer pipeline. It is glue: all invariants live
// in the packages it calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkerrigan/stagedoor/pkg/challenge"
	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
	"github.com/mkerrigan/stagedoor/pkg/pool"
	"github.com/mkerrigan/stagedoor/pkg/scrape"
	"github.com/mkerrigan/stagedoor/pkg/transfer"
)

// Pipeline is the slice of the transfer pipeline the server needs.
type Pipeline interface {
	Download(ctx context.Context, sourceURL, destName string) (string, error)
}

// Server exposes the service over HTTP.
type Server struct {
	pool     *pool.Pool
	resolver *challenge.Resolver
	pipeline Pipeline
	log      *logging.Logger
}

// New creates a server over the given collaborators.
func New(p *pool.Pool, resolver *challenge.Resolver, pipeline Pipeline, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{pool: p, resolver: resolver, pipeline: pipeline, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/events", s.handleEvents)
		r.Get("/events/detail", s.handleEventDetail)
		r.Post("/downloads", s.handleDownload)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.handleScrape(w, r, func(html string) (any, error) {
		return scrape.ParseListing(html)
	})
}

func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	s.handleScrape(w, r, func(html string) (any, error) {
		return scrape.ParseDetail(html)
	})
}

// handleScrape borrows a handle, renders the requested page, clears any
// interstitial best-effort, and runs parse over the resulting HTML.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request, parse func(string) (any, error)) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url parameter is required"))
		return
	}

	h, err := s.pool.Acquire(r.Context())
	if err != nil {
		respondError(w, poolStatus(err), err)
		return
	}
	defer s.pool.Release(h.ID)

	session := h.Session()
	if err := session.Navigate(pageURL, engine.NavigateOptions{WaitUntil: "domcontentloaded"}); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	result, err := s.resolver.Resolve(r.Context(), session)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if result.Present && !result.Resolved {
		respondError(w, http.StatusBadGateway, errors.New("verification challenge not cleared"))
		return
	}

	html, err := session.Content()
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	payload, err := parse(html)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	// Persist whatever credentials this page visit earned.
	if err := s.pool.SaveCredentials(h.ID); err != nil {
		s.log.Warnf("credential snapshot after scrape failed: %v", err)
	}

	respondJSON(w, http.StatusOK, payload)
}

type downloadRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("url and name are required"))
		return
	}

	path, err := s.pipeline.Download(r.Context(), req.URL, req.Name)
	if err != nil {
		status := http.StatusBadGateway
		if !errors.Is(err, transfer.ErrExhaustedRetries) {
			status = poolStatus(err)
		}
		respondError(w, status, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"path": path})
}

// ListenAndServe runs the HTTP server until ctx is canceled, then
// drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infof("listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// poolStatus maps pool errors onto HTTP statuses.
func poolStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, pool.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pool.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
