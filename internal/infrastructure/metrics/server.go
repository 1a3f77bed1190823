// Package metrics serves the engine's operational HTTP surface: Prometheus
// metrics, health, a status summary, and the operator halt-reset action.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading_engine/internal/core"
	"trading_engine/internal/perf"
)

// Options carries the engine hooks the server exposes. Nil hooks disable
// their endpoint.
type Options struct {
	Health     core.IHealthMonitor
	Snapshot   func() core.PortfolioSnapshot
	Metrics    func() perf.Metrics
	Halted     func() bool
	LiveOrders func() int
	BusDepth   func() int
	ResetHalt  func()
}

// Server is the ops HTTP server.
type Server struct {
	port   int
	logger core.ILogger
	opts   Options
	srv    *http.Server
}

func NewServer(port int, opts Options, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "ops_server"),
		opts:   opts,
	}
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/risk/reset", s.handleResetHalt)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting ops server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping ops server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Health == nil {
		http.Error(w, "health monitor not configured", http.StatusNotFound)
		return
	}
	code := http.StatusOK
	if !s.opts.Health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.opts.Health.GetStatus())
}

type statusResponse struct {
	Halted        bool   `json:"halted"`
	LiveOrders    int    `json:"live_orders"`
	BusDepth      int    `json:"bus_depth"`
	LedgerVersion uint64 `json:"ledger_version"`
	Cash          string `json:"cash"`
	GrossExposure string `json:"gross_exposure"`
	RealizedPnL   string `json:"realized_pnl"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	Drawdown      string `json:"drawdown"`
	MaxDrawdown   string `json:"max_drawdown"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var resp statusResponse
	if s.opts.Halted != nil {
		resp.Halted = s.opts.Halted()
	}
	if s.opts.LiveOrders != nil {
		resp.LiveOrders = s.opts.LiveOrders()
	}
	if s.opts.BusDepth != nil {
		resp.BusDepth = s.opts.BusDepth()
	}
	if s.opts.Snapshot != nil {
		snap := s.opts.Snapshot()
		resp.LedgerVersion = snap.Version
		resp.Cash = snap.Cash.String()
		resp.GrossExposure = snap.GrossExposure.String()
		resp.RealizedPnL = snap.RealizedPnL.String()
	}
	if s.opts.Metrics != nil {
		m := s.opts.Metrics()
		resp.UnrealizedPnL = m.UnrealizedPnL.String()
		resp.Drawdown = m.Drawdown.String()
		resp.MaxDrawdown = m.MaxDrawdown.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.ResetHalt == nil {
		http.Error(w, "reset not configured", http.StatusNotFound)
		return
	}
	s.logger.Warn("Operator requested halt reset", "remote", r.RemoteAddr)
	s.opts.ResetHalt()
	writeJSON(w, http.StatusOK, map[string]string{"result": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
