// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting deployctl runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	deploys            int64
	deploysFailed      int64
	deploysNoop        int64
	rollbacks          int64
	preflightRuns      int64
	preflightFailures  int64
	healthChecksOK     int64
	healthChecksFailed int64
	imagePullsSuccess  int64
	imagePullsFailure  int64
	imageBuildsSuccess int64
	imageBuildsFailure int64
	reloads            int64
	serviceHealthy     int64
	lastDeploy         int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promDeploys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_deploys_total",
			Help: "Total deployment runs by outcome",
		},
		[]string{"outcome"},
	)
	promRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployctl_rollbacks_total",
			Help: "Total rollbacks to the previous container",
		},
	)
	promPreflight = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_preflight_runs_total",
			Help: "Total preflight runs by result",
		},
		[]string{"result"},
	)
	promHealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_health_checks_total",
			Help: "Total health probes of the service by result",
		},
		[]string{"result"},
	)
	promImagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_image_pulls_total",
			Help: "Total image pull attempts",
		},
		[]string{"status"},
	)
	promImageBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_image_builds_total",
			Help: "Total image build attempts",
		},
		[]string{"status"},
	)
	promReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployctl_descriptor_reloads_total",
			Help: "Total descriptor or .env changes picked up in watch mode",
		},
	)
	promDeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployctl_deploy_duration_seconds",
			Help:    "Duration of deployment runs",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
	promServiceHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployctl_service_healthy",
			Help: "1 when the last health probe succeeded, 0 otherwise",
		},
	)
	promLastDeploy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployctl_last_deploy_timestamp_seconds",
			Help: "Unix timestamp of the last deployment run",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promDeploys,
		promRollbacks,
		promPreflight,
		promHealthChecks,
		promImagePulls,
		promImageBuilds,
		promReloads,
		promDeployDuration,
		promServiceHealthy,
		promLastDeploy,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncDeploy counts a deployment that created or replaced the container.
func IncDeploy() {
	atomic.AddInt64(&deploys, counterInc)
	promDeploys.WithLabelValues("success").Inc()
}

func IncDeployFailed() {
	atomic.AddInt64(&deploysFailed, counterInc)
	promDeploys.WithLabelValues("failed").Inc()
}

// IncDeployNoop counts a run that found the service already up to date.
func IncDeployNoop() {
	atomic.AddInt64(&deploysNoop, counterInc)
	promDeploys.WithLabelValues("noop").Inc()
}

func IncRollback() {
	atomic.AddInt64(&rollbacks, counterInc)
	promRollbacks.Inc()
}

// IncPreflight counts a preflight run and whether it failed.
func IncPreflight(failed bool) {
	atomic.AddInt64(&preflightRuns, counterInc)
	if failed {
		atomic.AddInt64(&preflightFailures, counterInc)
		promPreflight.WithLabelValues("failed").Inc()
		return
	}
	promPreflight.WithLabelValues("passed").Inc()
}

// ObserveHealth records a health probe result and sets the healthy gauge.
func ObserveHealth(healthy bool) {
	if healthy {
		atomic.AddInt64(&healthChecksOK, counterInc)
		atomic.StoreInt64(&serviceHealthy, 1)
		promHealthChecks.WithLabelValues("healthy").Inc()
		promServiceHealthy.Set(1)
		return
	}
	atomic.AddInt64(&healthChecksFailed, counterInc)
	atomic.StoreInt64(&serviceHealthy, 0)
	promHealthChecks.WithLabelValues("unhealthy").Inc()
	promServiceHealthy.Set(0)
}

// SetServiceHealthy sets the healthy gauge without counting a probe.
func SetServiceHealthy(healthy bool) {
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(&serviceHealthy, v)
	promServiceHealthy.Set(float64(v))
}

func IncImagePullSuccess() {
	atomic.AddInt64(&imagePullsSuccess, counterInc)
	promImagePulls.WithLabelValues("success").Inc()
}

func IncImagePullFailure() {
	atomic.AddInt64(&imagePullsFailure, counterInc)
	promImagePulls.WithLabelValues("failure").Inc()
}

func IncImageBuildSuccess() {
	atomic.AddInt64(&imageBuildsSuccess, counterInc)
	promImageBuilds.WithLabelValues("success").Inc()
}

func IncImageBuildFailure() {
	atomic.AddInt64(&imageBuildsFailure, counterInc)
	promImageBuilds.WithLabelValues("failure").Inc()
}

// IncReload counts a descriptor change picked up by the watcher.
func IncReload() {
	atomic.AddInt64(&reloads, counterInc)
	promReloads.Inc()
}

// ObserveDeployDuration records the duration (in seconds) of a deployment run.
func ObserveDeployDuration(seconds float64) {
	promDeployDuration.Observe(seconds)
}

// SetLastDeploy stores the provided time as the last deployment timestamp.
func SetLastDeploy(t time.Time) {
	atomic.StoreInt64(&lastDeploy, t.Unix())
	promLastDeploy.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	Deploys            int64  `json:"deploys"`
	DeploysFailed      int64  `json:"deploys_failed"`
	DeploysNoop        int64  `json:"deploys_noop"`
	Rollbacks          int64  `json:"rollbacks"`
	PreflightRuns      int64  `json:"preflight_runs"`
	PreflightFailures  int64  `json:"preflight_failures"`
	HealthChecksOK     int64  `json:"health_checks_ok"`
	HealthChecksFailed int64  `json:"health_checks_failed"`
	ImagePullsSuccess  int64  `json:"image_pulls_success"`
	ImagePullsFailure  int64  `json:"image_pulls_failure"`
	ImageBuildsSuccess int64  `json:"image_builds_success"`
	ImageBuildsFailure int64  `json:"image_builds_failure"`
	Reloads            int64  `json:"reloads"`
	ServiceHealthy     bool   `json:"service_healthy"`
	LastDeploy         int64  `json:"last_deploy_timestamp"`
	LastDeployHuman    string `json:"last_deploy_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastDeploy)
	human := ""
	if ts > 0 {
		human = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return StatsSnapshot{
		Deploys:            atomic.LoadInt64(&deploys),
		DeploysFailed:      atomic.LoadInt64(&deploysFailed),
		DeploysNoop:        atomic.LoadInt64(&deploysNoop),
		Rollbacks:          atomic.LoadInt64(&rollbacks),
		PreflightRuns:      atomic.LoadInt64(&preflightRuns),
		PreflightFailures:  atomic.LoadInt64(&preflightFailures),
		HealthChecksOK:     atomic.LoadInt64(&healthChecksOK),
		HealthChecksFailed: atomic.LoadInt64(&healthChecksFailed),
		ImagePullsSuccess:  atomic.LoadInt64(&imagePullsSuccess),
		ImagePullsFailure:  atomic.LoadInt64(&imagePullsFailure),
		ImageBuildsSuccess: atomic.LoadInt64(&imageBuildsSuccess),
		ImageBuildsFailure: atomic.LoadInt64(&imageBuildsFailure),
		Reloads:            atomic.LoadInt64(&reloads),
		ServiceHealthy:     atomic.LoadInt64(&serviceHealthy) == 1,
		LastDeploy:         ts,
		LastDeployHuman:    human,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}

// Router mounts /metrics and /stats on a chi router. Callers may add
// further routes to the returned router.
func Router() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", PromHandler())
	r.Method(http.MethodGet, "/stats", JSONHandler())
	return r
}
