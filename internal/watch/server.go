package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/deploy"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/health"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/preflight"
)

// Snapshot is what the watcher currently knows, served on /status.
type Snapshot struct {
	Project      string            `json:"project,omitempty"`
	Service      string            `json:"service"`
	LastReload   time.Time         `json:"last_reload,omitempty"`
	Preflight    *preflight.Report `json:"preflight,omitempty"`
	Health       health.Result     `json:"health"`
	LastHealthAt time.Time         `json:"last_health_at,omitempty"`
	// ConsecutiveFailures counts failed health polls since the last success.
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Deployment          *deploy.Status `json:"deployment,omitempty"`
}

// Snapshot returns the cached watch state without touching the engine.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		Service:             w.cfg.Service,
		LastReload:          w.lastReload,
		Preflight:           w.lastReport,
		Health:              w.lastHealth,
		LastHealthAt:        w.lastHealthAt,
		ConsecutiveFailures: w.healthFailures,
	}
	if w.project != nil {
		s.Project = w.project.Name
	}
	return s
}

// statusHandler serves the snapshot plus a live container status.
func (w *Watcher) statusHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		snap := w.Snapshot()
		if st, err := w.dep.Status(r.Context()); err == nil {
			snap.Deployment = st
		} else {
			logging.Get().Debug().Err(err).Msg("status lookup failed")
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(snap)
	})
}

// Handler returns the metrics router with /status mounted.
func (w *Watcher) Handler() http.Handler {
	r := metrics.Router()
	r.Method(http.MethodGet, "/status", w.statusHandler())
	return r
}

func (w *Watcher) serveHTTP() {
	port := w.cfg.MetricsPort
	if port == 0 {
		port = 9090
	}
	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := w.server
	go func() {
		logging.Get().Info().Int("port", port).Msg("serving metrics and status")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get().Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
