package deploy

import (
	"context"
	"fmt"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/config"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
)

// ensureImage makes spec.Image available locally according to the pull
// policy. A failed pull falls back to a build when the service has a
// build context.
func (d *Deployer) ensureImage(ctx context.Context, p *compose.Project, spec docker.ServiceSpec, forceBuild bool) (docker.Image, error) {
	svc := p.Service(spec.Service)
	policy := d.cfg.PullPolicy
	if forceBuild {
		policy = config.PullBuild
	}

	switch policy {
	case config.PullBuild:
		return d.build(ctx, p, svc, spec)
	case config.PullNever:
		img, found, err := d.docker.LocalImage(ctx, spec.Image)
		if err != nil {
			return docker.Image{}, err
		}
		if !found {
			return docker.Image{}, fmt.Errorf("image %s is not available locally and pull policy is %q", spec.Image, config.PullNever)
		}
		return img, nil
	case config.PullAlways:
	default:
		img, found, err := d.docker.LocalImage(ctx, spec.Image)
		if err != nil {
			return docker.Image{}, err
		}
		if found {
			logging.Get().Debug().Str("image", spec.Image).Str("id", img.ID).Msg("using local image")
			return img, nil
		}
	}

	img, err := d.docker.PullImage(ctx, spec.Image)
	if err == nil {
		metrics.IncImagePullSuccess()
		return img, nil
	}
	metrics.IncImagePullFailure()
	if svc.Build == nil {
		return docker.Image{}, err
	}
	logging.Get().Warn().Err(err).Str("image", spec.Image).Msg("pull failed; building from local context")
	return d.build(ctx, p, svc, spec)
}

func (d *Deployer) build(ctx context.Context, p *compose.Project, svc *compose.Service, spec docker.ServiceSpec) (docker.Image, error) {
	if svc.Build == nil {
		return docker.Image{}, fmt.Errorf("service %q has no build context", spec.Service)
	}
	contextDir := svc.Build.Context
	if contextDir == "" {
		contextDir = "."
	}
	args := map[string]string{}
	for k, v := range svc.Build.Args {
		args[k] = v
	}
	img, err := d.docker.BuildImage(ctx, docker.BuildSpec{
		ContextDir: p.ResolvePath(contextDir),
		Dockerfile: svc.Build.Dockerfile,
		Tag:        spec.Image,
		Args:       args,
		Labels:     map[string]string{docker.LabelProject: p.Name, docker.LabelService: spec.Service},
	})
	if err != nil {
		metrics.IncImageBuildFailure()
		return docker.Image{}, err
	}
	metrics.IncImageBuildSuccess()
	return img, nil
}
