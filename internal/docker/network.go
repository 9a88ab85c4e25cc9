package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/samber/oops"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

func (s *sdkClient) EnsureNetwork(ctx context.Context, name string, external bool, driver string, labels map[string]string) error {
	_, err := s.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return oops.With("network", name).Wrapf(err, "inspect network")
	}
	if external {
		return fmt.Errorf("%w: external network %q must be created first (docker network create %s)", ErrNetworkNotFound, name, name)
	}
	if driver == "" {
		driver = "bridge"
	}
	logging.Get().Info().Str("network", name).Str("driver", driver).Msg("creating network")
	if _, err := s.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: driver, Labels: labels}); err != nil {
		return oops.With("network", name).Wrapf(err, "create network")
	}
	return nil
}
