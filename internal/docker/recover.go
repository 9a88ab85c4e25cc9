package docker

import (
	"context"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// RecoverStale walks the rename records of a service. For each parked
// container:
//   - gone already: the record is dropped;
//   - original name free: it is renamed back and started;
//   - original name held by a running container: the parked one is removed;
//   - original name held by a broken container: that one is removed and
//     the parked container restored.
//
// It returns the number of records resolved.
func (s *sdkClient) RecoverStale(ctx context.Context, project, service string) (int, error) {
	records, err := state.GetAllRenameRecords()
	if err != nil {
		return 0, err
	}
	resolved := 0
	for tmp, rec := range records {
		if rec.Project != project || rec.Service != service {
			continue
		}
		log := logging.Get().With().Str("container", rec.ContainerID).Str("tmp_name", tmp).Logger()
		if err := s.recoverOne(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("stale container recovery failed")
			continue
		}
		if err := state.RemoveRenameRecordByTmpName(tmp); err != nil {
			log.Warn().Err(err).Msg("failed to remove rename record")
			continue
		}
		log.Info().Str("orig_name", rec.OrigName).Msg("recovered stale container")
		resolved++
	}
	return resolved, nil
}

func (s *sdkClient) recoverOne(ctx context.Context, rec state.RenameRecord) error {
	if _, err := s.cli.ContainerInspect(ctx, rec.ContainerID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	holder, err := s.cli.ContainerInspect(ctx, rec.OrigName)
	switch {
	case err != nil && !errdefs.IsNotFound(err):
		return err
	case err == nil && strings.TrimPrefix(holder.Name, "/") == rec.OrigName && holder.ID != rec.ContainerID:
		if holder.State != nil && holder.State.Running {
			return s.cli.ContainerRemove(ctx, rec.ContainerID, containertypes.RemoveOptions{Force: true})
		}
		if err := s.cli.ContainerRemove(ctx, holder.ID, containertypes.RemoveOptions{Force: true}); err != nil {
			return err
		}
	}
	if err := s.cli.ContainerRename(ctx, rec.ContainerID, rec.OrigName); err != nil {
		return err
	}
	return s.cli.ContainerStart(ctx, rec.ContainerID, containertypes.StartOptions{})
}
