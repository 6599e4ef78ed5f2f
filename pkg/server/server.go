package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/treasury/pkg/engine"
	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/splits"
)

// Server exposes read-only inspection routes over the engine's ledgers, plus
// the usual health and metrics endpoints.
type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *engine.Engine
	httpSrv *http.Server
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    log,
		cfg:    cfg,
		engine: cfg.Engine,
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/projects/{project}", func(r chi.Router) {
		r.Get("/cycle", s.cycleHandler)
		r.Get("/balance", s.balanceHandler)
		r.Get("/splits", s.splitsHandler)
		r.Get("/held-fees", s.heldFeesHandler)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.Ready() {
		s.log.Debug("readyz: engine not ready")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("engine not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

// CycleResponse is the response for the current cycle of a project.
type CycleResponse struct {
	Project       uint64                `json:"project"`
	Number        uint64                `json:"number"`
	Configuration int64                 `json:"configuration"`
	BasedOn       int64                 `json:"based_on"`
	Start         int64                 `json:"start"`
	Duration      int64                 `json:"duration"`
	Weight        decimal.Decimal       `json:"weight"`
	DiscountRate  uint64                `json:"discount_rate"`
	Ballot        string                `json:"ballot,omitempty"`
	BallotState   string                `json:"ballot_state"`
	Metadata      fundingcycle.Metadata `json:"metadata"`
}

func (s *Server) cycleHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	cycle, err := s.engine.Cycles().CurrentOf(project)
	if err != nil {
		if errors.Is(err, fundingcycle.ErrNoCycle) {
			http.Error(w, "project has no funding cycle", http.StatusNotFound)
			return
		}
		s.log.Error("server: failed to resolve current cycle", "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, CycleResponse{
		Project:       cycle.Project,
		Number:        cycle.Number,
		Configuration: cycle.Configuration,
		BasedOn:       cycle.BasedOn,
		Start:         cycle.Start,
		Duration:      cycle.Duration,
		Weight:        cycle.Weight,
		DiscountRate:  cycle.DiscountRate,
		Ballot:        cycle.Ballot,
		BallotState:   s.engine.Cycles().CurrentBallotStateOf(project).String(),
		Metadata:      cycle.Metadata,
	})
}

// BalanceResponse is the response for a project's terminal balance.
type BalanceResponse struct {
	Project  uint64          `json:"project"`
	Balance  decimal.Decimal `json:"balance"`
	Overflow decimal.Decimal `json:"overflow"`
	Currency uint32          `json:"currency"`
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	ledger := s.engine.Terminal()
	overflow, currency, err := ledger.CurrentOverflowOf(r.Context(), project)
	if err != nil {
		s.log.Error("server: failed to compute overflow", "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, BalanceResponse{
		Project:  project,
		Balance:  ledger.BalanceOf(project),
		Overflow: overflow,
		Currency: uint32(currency),
	})
}

// SplitsResponse is the response for a project's split group.
type SplitsResponse struct {
	Project uint64         `json:"project"`
	Domain  uint64         `json:"domain"`
	Group   uint64         `json:"group"`
	Splits  []splits.Split `json:"splits"`
}

func (s *Server) splitsHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return
	}
	domain, err := strconv.ParseUint(r.URL.Query().Get("domain"), 10, 64)
	if err != nil {
		http.Error(w, "invalid domain", http.StatusBadRequest)
		return
	}
	group, err := strconv.ParseUint(r.URL.Query().Get("group"), 10, 64)
	if err != nil {
		http.Error(w, "invalid group", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, SplitsResponse{
		Project: project,
		Domain:  domain,
		Group:   group,
		Splits:  s.engine.Splits().Of(project, domain, group),
	})
}

func (s *Server) heldFeesHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Terminal().HeldFeesOf(project))
}

func (s *Server) projectParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	project, err := strconv.ParseUint(chi.URLParam(r, "project"), 10, 64)
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return 0, false
	}
	return project, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
