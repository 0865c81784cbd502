// Package monitor is the read-only HTTP gateway for operators: membership
// and room state as JSON, live membership events over SSE, and Prometheus
// metrics. It never mutates server state.
package monitor

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/metrics"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// sseHeartbeatInterval keeps idle event streams alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// Server is the monitoring gateway.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *slog.Logger

	router *chi.Mux
	httpd  *http.Server
}

// roomInfo is the /api/rooms entry.
type roomInfo struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// NewServer creates the gateway with all routes mounted. The collector is
// registered on a private Prometheus registry alongside process and Go
// runtime collectors.
func NewServer(cfg *config.Config, reg *registry.Registry, collector *metrics.Collector) *Server {
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		logger: slog.Default().With("component", "monitor"),
		router: chi.NewRouter(),
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/users", s.handleUsers)
		r.Get("/rooms", s.handleRooms)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on the monitor port.
func (s *Server) Start(ctx context.Context) error {
	s.httpd = &http.Server{
		Addr:              s.cfg.MonitorAddr(),
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpd.ListenAndServe()
	}()

	// Surface an immediate bind failure to the caller.
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitor gateway: %w", err)
		}
		return nil
	case <-time.After(100 * time.Millisecond):
	}

	s.logger.Info("monitor gateway listening", "addr", s.httpd.Addr)

	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor gateway failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the gateway down gracefully.
func (s *Server) Stop() {
	if s.httpd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.httpd.Shutdown(ctx)
	s.logger.Info("monitor gateway stopped")
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.UserList())
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	ids := s.reg.RoomIDs()
	rooms := make([]roomInfo, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, roomInfo{ID: id, Members: s.reg.RoomUsernames(id)})
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.GetStats())
}

// handleEvents streams membership events as SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.reg.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
