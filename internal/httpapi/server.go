// Package httpapi serves the read-only ops endpoint: health, Prometheus
// metrics, and the current watermark / run-log state.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/metrics"
)

// Pinger verifies store connectivity. Satisfied by *store.Manager.
type Pinger interface {
	Ping(ctx context.Context) error
	PoolStats() map[string]int
}

// StatusSource reads the bookkeeping state. Satisfied by the meta
// repositories.
type StatusSource interface {
	List(ctx context.Context) ([]meta.Watermark, error)
}

// RunSource lists recent runs. Satisfied by *meta.RunLog.
type RunSource interface {
	RecentRuns(ctx context.Context, limit int) ([]meta.RunLogEntry, error)
}

// Server is the ops HTTP endpoint.
type Server struct {
	router     *mux.Router
	store      Pinger
	watermarks StatusSource
	runs       RunSource
}

// New wires the routes.
func New(store Pinger, watermarks StatusSource, runs RunSource, m *metrics.Metrics) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		watermarks: watermarks,
		runs:       runs,
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the ops endpoint until the context is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("ops endpoint listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status string         `json:"status"`
	Store  string         `json:"store"`
	Pool   map[string]int `json:"pool,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Pool = s.store.PoolStats()
	}
	writeJSON(w, code, resp)
}

type watermarkStatus struct {
	APIName   string `json:"api_name"`
	WaterMark int    `json:"water_mark"`
	Status    string `json:"status"`
	LastRunAt string `json:"last_run_at,omitempty"`
	LastErr   string `json:"last_err,omitempty"`
}

type runStatus struct {
	ID       int64  `json:"id"`
	APIName  string `json:"api_name"`
	RunType  string `json:"run_type"`
	Status   string `json:"status"`
	StartAt  string `json:"start_at"`
	EndAt    string `json:"end_at,omitempty"`
	Requests int    `json:"requests"`
	Failures int    `json:"failures"`
	ErrMsg   string `json:"err_msg,omitempty"`
}

type statusResponse struct {
	Watermarks []watermarkStatus `json:"watermarks"`
	RecentRuns []runStatus       `json:"recent_runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wms, err := s.watermarks.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	runs, err := s.runs.RecentRuns(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Watermarks: make([]watermarkStatus, 0, len(wms)),
		RecentRuns: make([]runStatus, 0, len(runs)),
	}
	for _, wm := range wms {
		ws := watermarkStatus{APIName: wm.APIName, WaterMark: wm.WaterMark, Status: wm.Status}
		if wm.LastRunAt.Valid {
			ws.LastRunAt = wm.LastRunAt.Time.Format(time.RFC3339)
		}
		if wm.LastErr.Valid {
			ws.LastErr = wm.LastErr.String
		}
		resp.Watermarks = append(resp.Watermarks, ws)
	}
	for _, run := range runs {
		rs := runStatus{
			ID: run.ID, APIName: run.APIName, RunType: run.RunType, Status: run.Status,
			StartAt: run.StartAt.Format(time.RFC3339), Requests: run.RequestCount,
			Failures: run.FailCount,
		}
		if run.EndAt.Valid {
			rs.EndAt = run.EndAt.Time.Format(time.RFC3339)
		}
		if run.ErrMsg.Valid {
			rs.ErrMsg = run.ErrMsg.String
		}
		resp.RecentRuns = append(resp.RecentRuns, rs)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode ops response")
	}
}
