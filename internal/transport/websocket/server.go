// Package websocket streams scheduler snapshots to WebSocket clients.
//
// Clients connect to GET /ws and receive one frame immediately and then one
// every push interval:
//
//	{"type":"status","run_id":"<ULID>","running":true,"counter":1062,"cycle":1,"phase":"burst-second","emission":3,"ts":1700000000000}
//
// Anything the client sends is ignored; a read error ends the stream.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochq-pulse/internal/scheduler"
)

var upgrader = gorillaws.Upgrader{
	// Browsers must be same-origin; clients without an Origin header (curl,
	// native tools) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := originHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  512,
	WriteBufferSize: 1024,
}

func originHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Frame is the JSON structure pushed to clients.
type Frame struct {
	Type     string `json:"type"` // "status"
	RunID    string `json:"run_id"`
	Running  bool   `json:"running"`
	Counter  uint64 `json:"counter"`
	Cycle    int64  `json:"cycle"`
	Phase    string `json:"phase"`
	Emission int    `json:"emission"`
	TS       int64  `json:"ts"`
}

// Handler serves the snapshot stream.
type Handler struct {
	status   func() scheduler.Snapshot
	runID    string
	interval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewHandler returns a Handler that pushes status() every interval.
func NewHandler(status func() scheduler.Snapshot, runID string, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		status:   status,
		runID:    runID,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Close ends every open stream. Hijacked connections are not tracked by
// http.Server.Shutdown, so the server calls this first.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if !h.push(conn) {
		return
	}
	for {
		select {
		case <-h.done:
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			if !h.push(conn) {
				return
			}
		}
	}
}

func (h *Handler) push(conn *gorillaws.Conn) bool {
	st := h.status()
	data, _ := json.Marshal(Frame{
		Type:     "status",
		RunID:    h.runID,
		Running:  st.Running,
		Counter:  st.Counter,
		Cycle:    st.Cycle,
		Phase:    st.Phase,
		Emission: st.Emission,
		TS:       time.Now().UnixMilli(),
	})
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(gorillaws.TextMessage, data) == nil
}
