package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/health"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/notify"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// Down stops and removes every container of the service, including ones
// parked by an interrupted recreate. Networks are left in place.
func (d *Deployer) Down(ctx context.Context) (state.DeploymentRecord, error) {
	// interpolation gaps do not matter for teardown
	p, err := d.Load(nil, nil)
	if err != nil {
		return state.DeploymentRecord{}, err
	}
	rec := state.DeploymentRecord{
		ID:        state.NewDeploymentID(),
		Project:   p.Name,
		Service:   d.cfg.Service,
		Action:    state.ActionDown,
		StartedAt: d.now(),
	}
	all, err := d.docker.ListProjectContainers(ctx, p.Name)
	if err != nil {
		return rec, err
	}
	var firstErr error
	removed := 0
	for _, c := range all {
		if c.Labels[docker.LabelService] != d.cfg.Service {
			continue
		}
		if c.Running() {
			if err := d.docker.StopService(ctx, c.ID, d.cfg.StopTimeout); err != nil {
				logging.Get().Warn().Err(err).Str("container", c.ID).Msg("graceful stop failed; removing anyway")
			}
		}
		if err := d.docker.RemoveService(ctx, c.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !strings.Contains(c.Name, "-old-") {
			rec.ContainerID = c.ID
			rec.Image = c.Image
		} else if err := state.RemoveRenameRecordByContainerID(c.ID); err != nil {
			logging.Get().Warn().Err(err).Str("container", c.ID).Msg("failed to remove rename record")
		}
		removed++
	}
	rec.FinishedAt = d.now()
	rec.Outcome = state.OutcomeSuccess
	if firstErr != nil {
		rec.Outcome = state.OutcomeFailed
		rec.Error = firstErr.Error()
	}
	if err := state.AddDeployment(rec); err != nil {
		logging.Get().Warn().Err(err).Msg("failed to persist deployment record")
	}
	if removed > 0 {
		metrics.SetServiceHealthy(false)
		d.notifier.Notify(ctx, notify.Event{Kind: notify.KindStopped, Project: p.Name, Service: d.cfg.Service, Image: rec.Image})
	}
	logging.Get().Info().Str("service", d.cfg.Service).Int("removed", removed).Msg("service down")
	return rec, firstErr
}

// Status is the runtime view of the service.
type Status struct {
	Project     string                  `json:"project"`
	Service     string                  `json:"service"`
	DesiredHash string                  `json:"desired_hash,omitempty"`
	UpToDate    bool                    `json:"up_to_date"`
	Container   *docker.ServiceStatus   `json:"container,omitempty"`
	Health      *health.Result          `json:"health,omitempty"`
	HealthError string                  `json:"health_error,omitempty"`
	Last        *state.DeploymentRecord `json:"last_deployment,omitempty"`
}

// Status inspects the service container and probes its health endpoint.
func (d *Deployer) Status(ctx context.Context) (*Status, error) {
	p, err := d.Load(nil, nil)
	if err != nil {
		return nil, err
	}
	st := &Status{Project: p.Name, Service: d.cfg.Service}
	spec, err := docker.NewServiceSpec(p, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	st.DesiredHash = spec.ConfigHash
	if last, ok, err := state.LastDeployment(p.Name, d.cfg.Service); err == nil && ok {
		st.Last = &last
	}

	current, err := d.docker.FindServiceContainer(ctx, p.Name, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return st, nil
	}
	cs, err := d.docker.Inspect(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	st.Container = &cs
	st.UpToDate = cs.ConfigHash == spec.ConfigHash
	if cs.State != "running" {
		return st, nil
	}
	if url, ok := d.healthURL(spec); ok {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		res, err := d.health.Probe(pctx, url)
		if err != nil {
			st.HealthError = err.Error()
		} else {
			st.Health = &res
		}
	}
	return st, nil
}

// Healthy reports whether the service currently answers its health endpoint
// with OK. It is used by watch mode between deployments.
func (d *Deployer) Healthy(ctx context.Context) (health.Result, error) {
	st, err := d.Status(ctx)
	if err != nil {
		return health.Result{}, err
	}
	if st.Container == nil {
		return health.Result{Reason: "no container"}, nil
	}
	if st.Health == nil {
		reason := "container is " + st.Container.State
		if st.HealthError != "" {
			reason = st.HealthError
		}
		return health.Result{Reason: reason}, nil
	}
	return *st.Health, nil
}
