package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/samber/oops"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/metrics"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// cleanupTimeout bounds rollback and cleanup, which still run after the
// caller's context is cancelled.
const cleanupTimeout = 30 * time.Second

// detach returns a context that survives cancellation of ctx.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// parked is a previous container moved aside while its replacement starts.
type parked struct {
	id         string
	origName   string
	tmpName    string
	wasRunning bool
}

// Recreate stops old before the replacement starts because both publish
// the same host ports.
func (s *sdkClient) Recreate(ctx context.Context, old Container, spec ServiceSpec, opts RecreateOptions) (string, error) {
	log := logging.Get().With().Str("service", spec.Service).Str("container", old.ID).Logger()
	log.Info().Str("image", spec.Image).Msg("recreating container")

	insp, err := s.cli.ContainerInspect(ctx, old.ID)
	if err != nil {
		return "", oops.With("container", old.ID).Wrapf(err, "inspect container")
	}
	p := parked{id: old.ID, origName: strings.TrimPrefix(insp.Name, "/")}
	if insp.State != nil {
		p.wasRunning = insp.State.Running
	}
	if p.origName == "" {
		p.origName = spec.ContainerName
	}

	if err := s.park(ctx, &p, spec); err != nil {
		return "", err
	}
	if p.wasRunning {
		if err := s.StopService(ctx, p.id, opts.StopTimeout); err != nil {
			return "", s.rollback(ctx, "", p, err)
		}
	}

	cfg, host, netCfg := spec.containerConfigs()
	resp, err := s.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.ContainerName)
	if err != nil {
		return "", s.rollback(ctx, "", p, oops.With("container", spec.ContainerName).Wrapf(err, "create container"))
	}
	log.Info().Str("new_id", resp.ID).Msg("starting new container")
	if err := s.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return "", s.rollback(ctx, resp.ID, p, oops.With("container", resp.ID).Wrapf(err, "start container"))
	}
	if err := s.verify(ctx, resp.ID, opts); err != nil {
		return "", s.rollback(ctx, resp.ID, p, err)
	}

	s.removeParked(ctx, p)
	log.Info().Str("new_id", resp.ID).Msg("container recreated")
	return resp.ID, nil
}

// park renames the old container to a temporary name and records the
// rename so an interrupted run can be recovered.
func (s *sdkClient) park(ctx context.Context, p *parked, spec ServiceSpec) error {
	p.tmpName = fmt.Sprintf("%s-old-%d", sanitizeName(p.origName), s.now().UnixNano())
	logging.Get().Info().Str("old", p.id).Str("new_name", p.tmpName).Msg("renaming old container")
	if err := s.cli.ContainerRename(ctx, p.id, p.tmpName); err != nil {
		return oops.With("container", p.id).Wrapf(err, "rename old container")
	}
	rec := state.RenameRecord{
		ContainerID: p.id,
		TmpName:     p.tmpName,
		OrigName:    p.origName,
		Project:     spec.Project,
		Service:     spec.Service,
		Timestamp:   s.now(),
	}
	if err := state.AddRenameRecord(rec); err != nil {
		logging.Get().Warn().Err(err).Str("container", p.id).Msg("failed to persist rename record")
	}
	return nil
}

// rollback removes the new container (if any), restores the old one under
// its original name and returns cause wrapped with ErrRolledBack.
func (s *sdkClient) rollback(ctx context.Context, newID string, p parked, cause error) error {
	ctx, cancel := detach(ctx)
	defer cancel()
	log := logging.Get().With().Str("old", p.id).Logger()
	log.Warn().Err(cause).Str("new", newID).Msg("recreate failed; restoring previous container")
	if newID != "" {
		s.discard(ctx, newID)
	}
	if err := s.cli.ContainerRename(ctx, p.id, p.origName); err != nil {
		log.Error().Err(err).Msg("failed to restore old name; keeping record for recovery")
	} else if err := state.RemoveRenameRecordByContainerID(p.id); err != nil {
		log.Warn().Err(err).Msg("failed to remove rename record after rollback")
	}
	if p.wasRunning {
		if err := s.cli.ContainerStart(ctx, p.id, containertypes.StartOptions{}); err != nil {
			log.Error().Err(err).Msg("failed starting old container during rollback")
		}
	}
	metrics.IncRollback()
	return fmt.Errorf("%w: %w", ErrRolledBack, cause)
}

func (s *sdkClient) removeParked(ctx context.Context, p parked) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, p.id, containertypes.RemoveOptions{Force: true}); err != nil {
		// the new container is healthy; the record lets recovery retry the cleanup
		logging.Get().Warn().Err(err).Str("old", p.id).Msg("failed removing old container after recreate")
		return
	}
	if err := state.RemoveRenameRecordByContainerID(p.id); err != nil {
		logging.Get().Warn().Err(err).Str("container", p.id).Msg("failed to remove rename record")
	}
}
