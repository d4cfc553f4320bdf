// Package server exposes the operational HTTP surface: liveness, status and
// Prometheus metrics.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/encody/duopow/linkflow"
)

// Ops is the operator-facing HTTP handler.
type Ops struct {
	router   chi.Router
	sessions *linkflow.Directory
	started  time.Time
}

// NewOps wires the routes. sessions may be nil when the linking flow is not
// running in this process.
func NewOps(sessions *linkflow.Directory) *Ops {
	ops := &Ops{
		router:   chi.NewRouter(),
		sessions: sessions,
		started:  time.Now(),
	}
	ops.router.Use(middleware.Recoverer)
	ops.router.Get("/healthz", ops.handleHealthz)
	ops.router.Get("/status", ops.handleStatus)
	ops.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return ops
}

// ServeHTTP implements http.Handler.
func (o *Ops) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.router.ServeHTTP(w, r)
}

func (o *Ops) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (o *Ops) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if o.sessions != nil {
		active = o.sessions.Active()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":  int(time.Since(o.started).Seconds()),
		"active_sessions": active,
	})
}
