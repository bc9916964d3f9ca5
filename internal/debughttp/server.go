// Package debughttp exposes a small read-only status endpoint over one
// running engine, grounded on the teacher's internal/api/server.go route
// registration style (gorilla/mux + a JSON status handler + Prometheus
// metrics handler) but stripped to the single-source scope this library
// covers — no tenant CRUD, no admin dashboard.
package debughttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/cdc/internal/metrics"
)

// EngineStatus is a read-only snapshot of one running engine, supplied by
// the caller on every request via StatusFunc.
type EngineStatus struct {
	SourceID string    `json:"source_id"`
	Engine   string    `json:"engine"`
	State    string    `json:"state"`
	Cursor   string    `json:"cursor"`
	LagMs    int64     `json:"lag_ms"`
	Since    time.Time `json:"since"`
}

// StatusFunc returns the current status of the engine being served.
type StatusFunc func() EngineStatus

// Server serves /debugz (engine status) and /metrics (Prometheus) over
// plain HTTP. It never serves or mutates the replication connection
// itself — read-only observability only.
type Server struct {
	httpServer *http.Server
	status     StatusFunc
}

// NewServer builds a Server; call Start to begin listening.
func NewServer(status StatusFunc, collector *metrics.Collector) *Server {
	r := mux.NewRouter()
	s := &Server{status: status}

	r.HandleFunc("/debugz", s.debugzHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	if collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on addr in the background. Returns once the listener is up
// or an error occurs binding it.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debughttp: binding %s: %w", addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("debughttp server error", "err", err)
		}
	}()
	slog.Info("debughttp listening", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) debugzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
