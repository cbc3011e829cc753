// Package web serves the liveness, readiness and metrics endpoints every
// pipeline process exposes.
package web

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type checkResult struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

type readyResponse struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks"`
}

type Server struct {
	addr    string
	checks  []Check
	timeout time.Duration
	lg      zerolog.Logger
	srv     *http.Server
}

func NewServer(addr, service string, checks []Check, lg zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		checks:  checks,
		timeout: 3 * time.Second,
		lg:      lg.With().Str("component", "health_web").Str("service", service).Logger(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// readyz runs every check concurrently under one timeout.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	results := make([]checkResult, len(s.checks))
	var wg sync.WaitGroup
	for i, c := range s.checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			start := time.Now()
			err := c.Fn(ctx)
			res := checkResult{Name: c.Name, Status: "up", ResponseTime: time.Since(start).String()}
			if err != nil {
				res.Status = "down"
				res.Error = err.Error()
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	resp := readyResponse{Status: "ready", Checks: results}
	for _, res := range results {
		if res.Status != "up" {
			resp.Status = "not_ready"
			s.lg.Warn().Str("check", res.Name).Str("error", res.Error).Msg("readiness check failed")
		}
	}
	if resp.Status != "ready" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// Start blocks until the server stops. Cancelling ctx shuts it down.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(shutdownCtx)
	}()

	s.lg.Info().Str("addr", s.addr).Msg("health server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.lg.Info().Msg("health server shutting down")
	return s.srv.Shutdown(ctx)
}
