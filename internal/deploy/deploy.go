// Package deploy brings the descriptor's service up on the local engine:
// load and preflight the descriptor, make the image available, then create
// or recreate the container and verify its health endpoint.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/config"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/envfile"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/health"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/interpolate"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/notify"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/preflight"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/registry"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// VersionVariable is the descriptor variable carrying the image tag.
const VersionVariable = "VERSION"

// versionResolver turns a version policy into a concrete image reference
// and tells whether a reference is published.
type versionResolver interface {
	Resolve(ctx context.Context, image, policy string) (string, error)
	Exists(ctx context.Context, image string) (bool, error)
}

// registryCheck names the finding Check adds for images the engine does
// not have.
const registryCheck = "image-registry"

// healthProber is satisfied by *health.Checker.
type healthProber interface {
	Probe(ctx context.Context, url string) (health.Result, error)
	WaitHealthy(ctx context.Context, url string, timeout, interval time.Duration) (health.Result, error)
}

// Options tune one Up run.
type Options struct {
	// Build forces an image build from the descriptor's build context.
	Build bool
	// Force deploys even when preflight reports errors.
	Force bool
	// DryRun computes the plan without touching images or containers.
	DryRun bool
	// Fix lets preflight create missing bind sources.
	Fix bool
}

// Result is the outcome of Up.
type Result struct {
	Plan       Plan                   `json:"plan"`
	Preflight  *preflight.Report      `json:"preflight,omitempty"`
	Deployment state.DeploymentRecord `json:"deployment"`
}

// Deployer runs deployments of one service.
type Deployer struct {
	cfg      *config.Config
	docker   docker.Client
	resolver versionResolver
	health   healthProber
	notifier *notify.MultiNotifier
	now      func() time.Time

	// preflightOpts is the base for every preflight run.
	preflightOpts preflight.Options
}

// Option customises a Deployer.
type Option func(*Deployer)

// WithResolver replaces the registry resolver used for version policies.
func WithResolver(r versionResolver) Option { return func(d *Deployer) { d.resolver = r } }

// WithHealthProber replaces the HTTP health checker.
func WithHealthProber(h healthProber) Option { return func(d *Deployer) { d.health = h } }

// WithPreflightOptions sets the base preflight options (probe hooks).
func WithPreflightOptions(o preflight.Options) Option {
	return func(d *Deployer) { d.preflightOpts = o }
}

// New returns a Deployer. notifier may be nil.
func New(cfg *config.Config, cli docker.Client, notifier *notify.MultiNotifier, opts ...Option) *Deployer {
	d := &Deployer{
		cfg:      cfg,
		docker:   cli,
		resolver: registry.NewResolver().WithCredentials(cfg.RegistryUser, cfg.RegistryPass),
		health:   health.NewChecker(5 * time.Second),
		notifier: notifier,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the configuration the deployer runs with.
func (d *Deployer) Config() *config.Config { return d.cfg }

// Load reads and interpolates the descriptor. overrides take precedence
// over the process environment and the env file.
func (d *Deployer) Load(overrides map[string]string, required []string) (*compose.Project, error) {
	lookup, _, err := envfile.Lookup(envfile.PathFor(d.cfg.File, d.cfg.EnvFile))
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		lookup = interpolate.Chain(interpolate.MapLookup(overrides), lookup)
	}
	return compose.Load(d.cfg.File, compose.LoadOptions{
		Lookup:      lookup,
		Required:    required,
		ProjectName: d.cfg.ProjectName,
	})
}

// LoadResolved loads the descriptor and, when enabled, resolves a version
// policy in the service image to the highest matching registry tag by
// reloading with VERSION pinned to that tag.
func (d *Deployer) LoadResolved(ctx context.Context) (*compose.Project, error) {
	p, err := d.Load(nil, d.cfg.RequiredVariables)
	if err != nil {
		return nil, err
	}
	svc := p.Service(d.cfg.Service)
	if svc == nil {
		return nil, fmt.Errorf("service %q not found in %s", d.cfg.Service, d.cfg.File)
	}
	_, tag := registry.SplitImage(svc.Image)
	if !d.cfg.ResolveVersion || !registry.IsPolicy(tag) {
		return p, nil
	}
	resolved, err := d.resolver.Resolve(ctx, svc.Image, tag)
	if err != nil {
		return nil, fmt.Errorf("resolve version policy %q: %w", tag, err)
	}
	_, pinned := registry.SplitImage(resolved)
	logging.Get().Info().Str("policy", tag).Str("image", resolved).Msg("resolved version policy")
	return d.Load(map[string]string{VersionVariable: pinned}, d.cfg.RequiredVariables)
}

// Preflight runs the preflight checks for the configured service.
func (d *Deployer) Preflight(p *compose.Project, current *docker.Container, fix bool) (*preflight.Report, error) {
	opts := d.preflightOpts
	opts.Service = d.cfg.Service
	opts.Fix = fix
	if current != nil && current.Running() {
		if spec, err := docker.NewServiceSpec(p, d.cfg.Service); err == nil {
			opts.OwnedPorts = map[int]bool{}
			for _, port := range spec.PublishedPorts() {
				opts.OwnedPorts[port] = true
			}
		}
	}
	report, err := preflight.Run(p, opts)
	if err != nil {
		return nil, err
	}
	metrics.IncPreflight(report.Failed())
	for _, f := range report.Warnings() {
		logging.Get().Warn().Str("check", f.Check).Str("subject", f.Subject).Msg(f.Message)
	}
	return report, nil
}

// Check runs preflight against p, treating ports published by the running
// service container as owned.
func (d *Deployer) Check(ctx context.Context, p *compose.Project, fix bool) (*preflight.Report, error) {
	current, err := d.docker.FindServiceContainer(ctx, p.Name, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	report, err := d.Preflight(p, current, fix)
	if err != nil {
		return nil, err
	}
	if f, ok := d.checkRegistry(ctx, p); ok {
		report.Findings = append(report.Findings, f)
	}
	return report, nil
}

// checkRegistry looks the service image up in its registry when the
// engine does not have it and the pull policy would pull it.
func (d *Deployer) checkRegistry(ctx context.Context, p *compose.Project) (preflight.Finding, bool) {
	svc := p.Service(d.cfg.Service)
	if svc == nil || svc.Image == "" {
		return preflight.Finding{}, false
	}
	switch d.cfg.PullPolicy {
	case config.PullNever, config.PullBuild:
		return preflight.Finding{}, false
	}
	if _, found, err := d.docker.LocalImage(ctx, svc.Image); err == nil && found {
		return preflight.Finding{}, false
	}
	f := preflight.Finding{Check: registryCheck, Subject: svc.Image}
	ok, err := d.resolver.Exists(ctx, svc.Image)
	switch {
	case err != nil:
		f.Severity, f.Message = preflight.SeverityWarning, "registry lookup failed: "+err.Error()
	case ok:
		return preflight.Finding{}, false
	case svc.Build != nil:
		f.Severity, f.Message = preflight.SeverityWarning, "image is not published; it will be built from "+svc.Build.Context
	default:
		f.Severity, f.Message = preflight.SeverityError, "image is not published and the service has no build context"
	}
	return f, true
}

// Up deploys the service.
func (d *Deployer) Up(ctx context.Context, opts Options) (*Result, error) {
	started := d.now()
	p, err := d.LoadResolved(ctx)
	if err != nil {
		return nil, err
	}
	service := d.cfg.Service
	log := logging.Get().With().Str("project", p.Name).Str("service", service).Logger()

	if !opts.DryRun {
		if n, err := d.docker.RecoverStale(ctx, p.Name, service); err != nil {
			log.Warn().Err(err).Msg("stale container recovery failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("recovered containers from an interrupted deployment")
		}
	}

	spec, err := docker.NewServiceSpec(p, service)
	if err != nil {
		return nil, err
	}
	current, err := d.docker.FindServiceContainer(ctx, p.Name, service)
	if err != nil {
		return nil, err
	}
	rec := state.DeploymentRecord{
		ID:         state.NewDeploymentID(),
		Project:    p.Name,
		Service:    service,
		Image:      spec.Image,
		ConfigHash: spec.ConfigHash,
		StartedAt:  started,
	}
	res := &Result{Plan: planFor(spec, current)}
	rec.Action = res.Plan.Action

	report, err := d.Preflight(p, current, opts.Fix && !opts.DryRun)
	if err != nil {
		return nil, err
	}
	res.Preflight = report
	if report.Failed() && !opts.Force {
		err := report.Err()
		if !opts.DryRun {
			d.finish(ctx, res, &rec, notify.KindPreflightFailed, err)
		}
		return res, err
	}
	if opts.DryRun {
		log.Info().Str("action", res.Plan.Action).Str("reason", res.Plan.Reason).Msg("dry-run: no changes made")
		return res, nil
	}

	if err := d.ensureNetworks(ctx, p, service); err != nil {
		d.finish(ctx, res, &rec, notify.KindDeployFailed, err)
		return res, err
	}
	img, err := d.ensureImage(ctx, p, spec, opts.Build)
	if err != nil {
		d.finish(ctx, res, &rec, notify.KindDeployFailed, err)
		return res, err
	}
	rec.ImageID = img.ID

	if current != nil && current.Running() && current.ConfigHash() == spec.ConfigHash && (img.ID == "" || current.ImageID == img.ID) {
		res.Plan.Action, res.Plan.Reason = state.ActionNoop, "container is up to date"
		rec.Action = state.ActionNoop
		rec.ContainerID = current.ID
		log.Info().Str("container", current.ID).Msg("service is up to date")
		d.finish(ctx, res, &rec, "", nil)
		return res, nil
	}
	if current != nil && res.Plan.Action == state.ActionNoop {
		// config unchanged but the image behind the tag moved
		res.Plan.Action, res.Plan.Reason = state.ActionRecreate, "image changed"
		rec.Action = state.ActionRecreate
	}

	ropts := docker.RecreateOptions{StopTimeout: d.cfg.StopTimeout, Verify: d.verifier(spec)}
	var id string
	if current == nil {
		id, err = d.docker.CreateService(ctx, spec, ropts)
	} else {
		id, err = d.docker.Recreate(ctx, *current, spec, ropts)
	}
	if err != nil {
		kind := notify.KindDeployFailed
		if errors.Is(err, docker.ErrRolledBack) {
			kind = notify.KindRolledBack
		}
		d.finish(ctx, res, &rec, kind, err)
		return res, err
	}
	rec.ContainerID = id
	log.Info().Str("container", id).Str("image", spec.Image).Str("action", rec.Action).Msg("service deployed")
	d.finish(ctx, res, &rec, notify.KindDeployed, nil)

	if d.cfg.PruneImages && current != nil && current.ImageID != "" && current.ImageID != img.ID {
		if err := d.docker.RemoveImage(ctx, current.ImageID); err != nil {
			log.Warn().Err(err).Str("old_image", current.ImageID).Msg("failed to remove previous image")
		}
	}
	return res, nil
}

// finish records the deployment, updates metrics and notifies. kind may be
// empty for runs nobody needs to hear about.
func (d *Deployer) finish(ctx context.Context, res *Result, rec *state.DeploymentRecord, kind notify.Kind, err error) {
	rec.FinishedAt = d.now()
	switch {
	case err == nil:
		rec.Outcome = state.OutcomeSuccess
	case errors.Is(err, docker.ErrRolledBack):
		rec.Outcome = state.OutcomeRolledBack
	default:
		rec.Outcome = state.OutcomeFailed
	}
	if err != nil {
		rec.Error = err.Error()
	}

	switch {
	case err != nil:
		metrics.IncDeployFailed()
	case rec.Action == state.ActionNoop:
		metrics.IncDeployNoop()
	default:
		metrics.IncDeploy()
		metrics.ObserveDeployDuration(rec.Duration().Seconds())
		metrics.SetLastDeploy(rec.FinishedAt)
	}

	if serr := state.AddDeployment(*rec); serr != nil {
		logging.Get().Warn().Err(serr).Msg("failed to persist deployment record")
	}
	res.Deployment = *rec

	if kind != "" {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		// a cancelled run still reports how it ended
		d.notifier.Notify(context.WithoutCancel(ctx), notify.Event{Kind: kind, Project: rec.Project, Service: rec.Service, Image: rec.Image, Detail: detail})
	}
}

func (d *Deployer) ensureNetworks(ctx context.Context, p *compose.Project, service string) error {
	keys := p.Service(service).Networks
	if len(keys) == 0 {
		keys = compose.Networks{"default"}
	}
	for _, key := range keys {
		var external bool
		var driver string
		if n := p.Networks[key]; n != nil {
			external, driver = n.External, n.Driver
		}
		labels := map[string]string{docker.LabelProject: p.Name}
		if err := d.docker.EnsureNetwork(ctx, p.NetworkName(key), external, driver, labels); err != nil {
			return err
		}
	}
	return nil
}

// healthURL returns the health endpoint of the first published port.
func (d *Deployer) healthURL(spec docker.ServiceSpec) (string, bool) {
	ports := spec.PublishedPorts()
	if len(ports) == 0 {
		return "", false
	}
	for p := range spec.PortBindings {
		host, port, ok := spec.HostPortFor(p.Int())
		if !ok || port != ports[0] {
			continue
		}
		if host == "" || host == "0.0.0.0" {
			host = d.cfg.HealthHost
		}
		return health.URL(host, port, d.cfg.HealthPath), true
	}
	return "", false
}

// verifier waits for the health endpoint to report OK.
func (d *Deployer) verifier(spec docker.ServiceSpec) func(ctx context.Context, id string) error {
	url, ok := d.healthURL(spec)
	if !ok {
		return nil
	}
	return func(ctx context.Context, id string) error {
		logging.Get().Info().Str("container", id).Str("url", url).Msg("waiting for health endpoint")
		res, err := d.health.WaitHealthy(ctx, url, d.cfg.VerifyTimeout, d.cfg.VerifyInterval)
		metrics.ObserveHealth(err == nil && res.Healthy)
		return err
	}
}
