// Package http serves the pulse status listener.
//
// Routes:
//
//	GET /health    JSON snapshot of the scheduler
//	GET /metrics   Prometheus text
//	GET /ws        WebSocket stream of snapshots
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/snehjoshi/epochq-pulse/internal/metrics"
	"github.com/snehjoshi/epochq-pulse/internal/scheduler"
	transportws "github.com/snehjoshi/epochq-pulse/internal/transport/websocket"
)

// StatusSource reports scheduler progress. *scheduler.Scheduler satisfies it.
type StatusSource interface {
	Status() scheduler.Snapshot
}

// Server wraps the stdlib HTTP server with the status routes.
type Server struct {
	inner *http.Server
	ws    *transportws.Handler
}

// New builds a Server. runID identifies this process in every response.
// reg may be nil, in which case /metrics is not mounted.
func New(src StatusSource, runID string, reg *metrics.Registry, pushInterval time.Duration) *Server {
	started := time.Now()
	ws := transportws.NewHandler(src.Status, runID, pushInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		status := "running"
		if !st.Running {
			status = "idle"
		}
		writeJSON(w, http.StatusOK, healthResp{
			Status:   status,
			RunID:    runID,
			Counter:  st.Counter,
			Cycle:    st.Cycle,
			Phase:    st.Phase,
			Emission: st.Emission,
			UptimeMs: time.Since(started).Milliseconds(),
		})
	})
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	mux.Handle("GET /ws", ws)

	handler := chain(mux,
		LoggingMiddleware,
		RateLimitMiddleware(20, 40),
	)

	return &Server{
		ws: ws,
		inner: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

type healthResp struct {
	Status   string `json:"status"`
	RunID    string `json:"run_id"`
	Counter  uint64 `json:"counter"`
	Cycle    int64  `json:"cycle"`
	Phase    string `json:"phase"`
	Emission int    `json:"emission"`
	UptimeMs int64  `json:"uptime_ms"`
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr. It returns when the server stops.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown closes open websocket streams and stops the server, waiting up to
// ctx's deadline for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Close()
	return s.inner.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
