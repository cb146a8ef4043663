// Package metrics exposes the Prometheus scrape endpoint plus health and
// status views of the running strategy.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// SnapshotSource exposes the last committed state for the status endpoint.
type SnapshotSource interface {
	PublishedSnapshot() *core.Snapshot
}

type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
	source SnapshotSource
}

func NewServer(port int, source SnapshotSource, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		source: source,
		logger: logger.WithField("component", "metrics_server"),
	}
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if snap := s.source.PublishedSnapshot(); snap != nil {
		health["snapshot_version"] = snap.Version
		health["snapshot_age_ms"] = time.Now().UnixMilli() - snap.SavedAt
	} else {
		health["status"] = "starting"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.PublishedSnapshot()
	if snap == nil {
		http.Error(w, "no state committed yet", http.StatusServiceUnavailable)
		return
	}

	status := map[string]interface{}{
		"symbol":         snap.Symbol,
		"phase":          snap.Phase.String(),
		"current_unit":   snap.Window.CurrentUnit,
		"sells":          snap.Window.Sells,
		"buys":           snap.Window.Buys,
		"paused":         snap.Window.Paused,
		"cycle":          snap.Position.Cycle,
		"entry_price":    snap.Position.EntryPrice,
		"position_value": snap.Position.PositionValue,
		"realized_pnl":   snap.Position.RealizedPnL,
		"growth_factor":  snap.Position.GrowthFactor,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
