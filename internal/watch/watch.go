// Package watch keeps a deployed service under observation: descriptor and
// env file edits are re-validated (and optionally applied), the health
// endpoint is polled, and failures are reported through the notifier.
package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/config"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/deploy"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/envfile"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/health"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/notify"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/preflight"
)

// Deployer is the part of *deploy.Deployer the watcher drives.
type Deployer interface {
	LoadResolved(ctx context.Context) (*compose.Project, error)
	Check(ctx context.Context, p *compose.Project, fix bool) (*preflight.Report, error)
	Up(ctx context.Context, opts deploy.Options) (*deploy.Result, error)
	Status(ctx context.Context) (*deploy.Status, error)
	Healthy(ctx context.Context) (health.Result, error)
}

// DefaultDebounce coalesces bursts of file events from editors.
var DefaultDebounce = 500 * time.Millisecond

// Circuit breaker keys.
const (
	breakerHealth    = "health"
	breakerPreflight = "preflight"
)

type failureInfo struct {
	count           int
	lastFailureAt   time.Time
	suppressedUntil time.Time
}

// Watcher is the long-running loop behind the watch command.
type Watcher struct {
	cfg      *config.Config
	dep      Deployer
	notifier *notify.MultiNotifier
	Now      func() time.Time
	Debounce time.Duration

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // active reload and poll passes
	cancel   func()
	server   *http.Server

	mu           sync.Mutex
	project      *compose.Project
	lastReport   *preflight.Report
	lastReload   time.Time
	lastHealth   health.Result
	lastHealthAt time.Time

	// consecutive failed health polls and whether operators were told
	healthFailures    int
	unhealthyNotified bool

	cbMu     sync.Mutex
	failures map[string]*failureInfo
}

// New creates a watcher. notifier may be nil.
func New(cfg *config.Config, dep Deployer, notifier *notify.MultiNotifier) *Watcher {
	w := &Watcher{
		cfg:      cfg,
		dep:      dep,
		notifier: notifier,
		Now:      time.Now,
		Debounce: DefaultDebounce,
		quit:     make(chan struct{}),
		failures: map[string]*failureInfo{},
	}
	for _, warn := range cfg.Validate() {
		logging.Get().Warn().Str("warning", warn).Msg("config validation")
	}
	return w
}

// watchedFiles returns the descriptor and env file paths.
func (w *Watcher) watchedFiles() []string {
	files := []string{w.cfg.File, envfile.PathFor(w.cfg.File, w.cfg.EnvFile)}
	for i, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			files[i] = abs
		}
	}
	return files
}

// Start runs until Stop is called. It returns an error only when the
// file watcher cannot be set up.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()
	logging.Get().Info().Str("file", w.cfg.File).Dur("interval", w.cfg.PollInterval).Bool("auto_apply", w.cfg.AutoApply).Msg("starting watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()
	files := w.watchedFiles()
	wanted := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range files {
		wanted[f] = true
		dirs[filepath.Dir(f)] = true
	}
	// directories survive the rename-over-save editors do
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	if w.cfg.MetricsEnabled {
		w.serveHTTP()
	}

	w.pass(func() { w.reload(ctx, "startup") })
	w.pass(func() { w.pollHealth(ctx) })
	if w.cfg.InfluxURL != "" {
		go metrics.StartInfluxPusher(ctx, metrics.InfluxConfig{
			URL: w.cfg.InfluxURL, Token: w.cfg.InfluxToken, Org: w.cfg.InfluxOrg,
			Bucket: w.cfg.InfluxBucket, Interval: w.cfg.InfluxInterval,
			Project: w.projectName(), Service: w.cfg.Service,
		})
	}

	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !wanted[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			logging.Get().Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("file event")
			debounce = time.After(w.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get().Warn().Err(err).Msg("file watcher error")
		case <-debounce:
			debounce = nil
			metrics.IncReload()
			w.pass(func() { w.reload(ctx, "file change") })
		case <-ticker.C:
			w.pass(func() { w.pollHealth(ctx) })
		case <-w.quit:
			logging.Get().Info().Msg("stopping watch")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// pass runs fn synchronously while tracked by the wait group so Stop can
// wait for it. Passes requested after Stop are dropped.
func (w *Watcher) pass(fn func()) {
	w.mu.Lock()
	select {
	case <-w.quit:
		w.mu.Unlock()
		return
	default:
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()
	fn()
}

// projectName prefers the name of the last loaded descriptor.
func (w *Watcher) projectName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.project != nil && w.project.Name != "" {
		return w.project.Name
	}
	return w.cfg.ProjectName
}

// RunOnce performs one reload and one health poll.
func (w *Watcher) RunOnce(ctx context.Context) {
	w.pass(func() { w.reload(ctx, "manual") })
	w.pass(func() { w.pollHealth(ctx) })
}

// reload re-reads the descriptor, logs what changed, runs preflight and
// applies the result when auto-apply is on.
func (w *Watcher) reload(ctx context.Context, reason string) {
	log := logging.Get().With().Str("reason", reason).Logger()
	p, err := w.dep.LoadResolved(ctx)
	if err != nil {
		log.Error().Err(err).Msg("descriptor reload failed")
		w.notifyFailure(ctx, breakerPreflight, notify.Event{Kind: notify.KindPreflightFailed, Project: w.projectName(), Service: w.cfg.Service, Detail: err.Error()})
		return
	}

	w.mu.Lock()
	prev := w.project
	w.project = p
	w.lastReload = w.Now()
	w.mu.Unlock()
	if prev != nil {
		changes := compose.Diff(prev, p)
		if len(changes) == 0 {
			log.Info().Msg("descriptor unchanged")
		}
		for _, c := range changes {
			log.Info().Str("change", c.String()).Msg("descriptor changed")
		}
	}

	report, err := w.dep.Check(ctx, p, false)
	if err != nil {
		log.Error().Err(err).Msg("preflight could not run")
		return
	}
	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	if report.Failed() {
		log.Error().Err(report.Err()).Msg("preflight failed; not applying")
		w.notifyFailure(ctx, breakerPreflight, notify.Event{Kind: notify.KindPreflightFailed, Project: p.Name, Service: w.cfg.Service, Detail: report.Err().Error()})
		return
	}
	w.clearFailure(breakerPreflight)

	if !w.cfg.AutoApply {
		return
	}
	res, err := w.dep.Up(ctx, deploy.Options{DryRun: w.cfg.DryRun})
	if err != nil {
		// the deployer already recorded and notified
		log.Error().Err(err).Msg("auto-apply failed")
		return
	}
	log.Info().Str("action", res.Plan.Action).Str("reason", res.Plan.Reason).Msg("auto-apply finished")
}

// pollHealth probes the service once and reports transitions.
func (w *Watcher) pollHealth(ctx context.Context) {
	project := w.projectName()
	res, err := w.dep.Healthy(ctx)
	healthy := err == nil && res.Healthy
	metrics.ObserveHealth(healthy)

	w.mu.Lock()
	w.lastHealth, w.lastHealthAt = res, w.Now()
	if healthy {
		wasNotified := w.unhealthyNotified
		w.healthFailures, w.unhealthyNotified = 0, false
		w.mu.Unlock()
		w.clearFailure(breakerHealth)
		if wasNotified {
			logging.Get().Info().Str("service", w.cfg.Service).Msg("service healthy again")
			w.notifier.Notify(ctx, notify.Event{Kind: notify.KindRecovered, Project: project, Service: w.cfg.Service})
		}
		return
	}
	w.healthFailures++
	failures := w.healthFailures
	w.mu.Unlock()

	detail := res.String()
	if err != nil {
		detail = err.Error()
	} else if res.StatusCode == 0 && res.Reason != "" {
		detail = res.Reason
	}
	logging.Get().Warn().Str("service", w.cfg.Service).Int("consecutive_failures", failures).Str("detail", detail).Msg("service unhealthy")

	threshold := w.cfg.HealthFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if failures < threshold {
		return
	}
	if w.notifyFailure(ctx, breakerHealth, notify.Event{Kind: notify.KindUnhealthy, Project: project, Service: w.cfg.Service, Detail: detail}) {
		w.mu.Lock()
		w.unhealthyNotified = true
		w.mu.Unlock()
	}
}

// notifyFailure sends e unless the circuit breaker for key is open. It
// reports whether the event was sent.
func (w *Watcher) notifyFailure(ctx context.Context, key string, e notify.Event) bool {
	if !w.shouldNotifyFailure(key) {
		logging.Get().Debug().Str("breaker", key).Msg("notification suppressed by circuit breaker")
		return false
	}
	w.notifier.Notify(ctx, e)
	return true
}

// shouldNotifyFailure updates circuit breaker state for key and returns
// true when a notification should be sent: on the first failure, on up to
// CircuitBreakerThreshold repeats, and again once the cooldown elapsed.
func (w *Watcher) shouldNotifyFailure(key string) bool {
	now := w.Now()
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	fi, ok := w.failures[key]
	if !ok {
		w.failures[key] = &failureInfo{count: 1, lastFailureAt: now}
		return true
	}
	if fi.suppressedUntil.After(now) {
		fi.count++
		fi.lastFailureAt = now
		return false
	}
	if now.Sub(fi.lastFailureAt) > w.cfg.CircuitBreakerCooldown {
		fi.count = 1
		fi.lastFailureAt = now
		fi.suppressedUntil = time.Time{}
		return true
	}
	fi.count++
	fi.lastFailureAt = now
	if w.cfg.CircuitBreakerThreshold > 0 && fi.count > w.cfg.CircuitBreakerThreshold {
		fi.suppressedUntil = now.Add(w.cfg.CircuitBreakerCooldown)
		return false
	}
	return true
}

func (w *Watcher) clearFailure(key string) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	delete(w.failures, key)
}

// Stop signals the loop to exit and waits for active passes, the HTTP
// server and pending notifications, bounded by ctx.
func (w *Watcher) Stop(ctx context.Context) {
	w.mu.Lock()
	cancel := w.cancel
	// closed under mu so no pass can join the wait group after Wait starts
	w.stopOnce.Do(func() { close(w.quit) })
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Get().Info().Msg("all active operations completed")
	case <-ctx.Done():
		logging.Get().Warn().Msg("shutdown timeout exceeded, some operations may be incomplete")
	}

	if w.server != nil {
		if err := w.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get().Warn().Err(err).Msg("metrics server shutdown")
		}
	}
	if w.notifier != nil {
		notifyCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWait()
		if err := w.notifier.Wait(notifyCtx); err != nil {
			logging.Get().Warn().Err(err).Msg("timed out waiting for notifiers to finish")
		}
	}
}
