// Package monitor exposes a small HTTP surface over a running PDES
// simulation: a health check, a /status endpoint reporting PE/pool state,
// a Prometheus /metrics endpoint, a /ws/gvt websocket feed of GVT advances,
// rollbacks and clone/branch transfers, and an /events/stream SSE feed of
// the same activity as CloudEvents for non-websocket consumers.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/pdes-sim/internal/config"
	"github.com/ocx/pdes-sim/internal/events"
	"github.com/ocx/pdes-sim/internal/monitoring"
	"github.com/ocx/pdes-sim/internal/pepool"
	"github.com/ocx/pdes-sim/internal/websocket"
)

// Server wires the monitoring system, PE pool, and GVT streamer behind a
// gorilla/mux router.
type Server struct {
	cfg       *config.Config
	mon       *monitoring.MonitoringSystem
	pool      *pepool.Pool
	streamer  *websocket.GVTStreamer
	bus       *events.EventBus
	startedAt time.Time
}

// NewServer builds a monitor Server. pool may be nil if the run has no
// clone director configured. bus may be nil, which disables /events/stream
// (it responds 404 instead of hanging subscribers on a feed that will
// never publish).
func NewServer(cfg *config.Config, mon *monitoring.MonitoringSystem, pool *pepool.Pool, streamer *websocket.GVTStreamer, bus *events.EventBus) *Server {
	return &Server{cfg: cfg, mon: mon, pool: pool, streamer: streamer, bus: bus, startedAt: time.Now()}
}

// Router builds the mux.Router for this server's routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws/gvt", s.streamer.HandleWebSocket)
	router.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")

	return router
}

// handleEventStream serves the run's CloudEvent feed as Server-Sent Events:
// GVT advances, rollbacks and clone/branch transfers, the same activity
// /ws/gvt carries, for clients that want plain SSE instead of a websocket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not configured for this run", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := ev.SSEFormat()
			if err != nil {
				slog.Error("monitor: encoding SSE event", "err", err)
				continue
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := map[string]interface{}{
		"metrics": s.mon.GetLiveMetrics(),
		"errors":  s.mon.GetRecentErrors(10),
		"alerts":  s.mon.GetActiveAlerts(),
	}
	if s.pool != nil {
		resp["pe_pool"] = s.pool.Stats()
	}

	json.NewEncoder(w).Encode(resp)
}

// Run starts the HTTP server and blocks until the process receives SIGINT
// or SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	server := &http.Server{
		Addr:         ":" + s.cfg.GetPort(),
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go s.streamer.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("monitor: received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	slog.Info("monitor: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
