package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/samber/oops"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

func toContainer(c types.Container) Container {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return Container{ID: c.ID, Name: name, Image: c.Image, ImageID: c.ImageID, State: c.State, Labels: c.Labels}
}

func (s *sdkClient) listByLabels(ctx context.Context, labels ...string) ([]Container, error) {
	args := filters.NewArgs()
	for _, l := range labels {
		args.Add("label", l)
	}
	list, err := s.cli.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, oops.With("labels", labels).Wrapf(err, "list containers")
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		out = append(out, toContainer(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *sdkClient) ListProjectContainers(ctx context.Context, project string) ([]Container, error) {
	return s.listByLabels(ctx, LabelProject+"="+project)
}

// FindServiceContainer prefers a container that is not parked under a
// temporary "-old-" name; among several it picks a running one.
func (s *sdkClient) FindServiceContainer(ctx context.Context, project, service string) (*Container, error) {
	list, err := s.listByLabels(ctx, LabelProject+"="+project, LabelService+"="+service)
	if err != nil {
		return nil, err
	}
	var found *Container
	for i := range list {
		c := list[i]
		if strings.Contains(c.Name, "-old-") {
			continue
		}
		if found == nil || (!found.Running() && c.Running()) {
			found = &c
		}
	}
	return found, nil
}

func (s *sdkClient) CreateService(ctx context.Context, spec ServiceSpec, opts RecreateOptions) (string, error) {
	log := logging.Get().With().Str("service", spec.Service).Str("container", spec.ContainerName).Logger()
	log.Info().Str("image", spec.Image).Msg("creating container")
	cfg, host, netCfg := spec.containerConfigs()
	resp, err := s.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.ContainerName)
	if err != nil {
		return "", oops.With("container", spec.ContainerName, "image", spec.Image).Wrapf(err, "create container")
	}
	for _, w := range resp.Warnings {
		log.Warn().Msg(w)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		s.discard(ctx, resp.ID)
		return "", oops.With("container", spec.ContainerName).Wrapf(err, "start container")
	}
	if err := s.verify(ctx, resp.ID, opts); err != nil {
		log.Warn().Err(err).Msg("new container failed verification; removing it")
		s.discard(ctx, resp.ID)
		return "", err
	}
	log.Info().Str("id", resp.ID).Msg("container started")
	return resp.ID, nil
}

// verify checks that the container stayed up and then runs opts.Verify.
func (s *sdkClient) verify(ctx context.Context, id string, opts RecreateOptions) error {
	st, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return oops.With("container", id).Wrapf(err, "inspect new container")
	}
	if st.State == nil || !st.State.Running {
		code := 0
		status := "unknown"
		if st.State != nil {
			code = st.State.ExitCode
			status = st.State.Status
		}
		return fmt.Errorf("container %s is %s (exit code %d)", id, status, code)
	}
	if opts.Verify == nil {
		return nil
	}
	return opts.Verify(ctx, id)
}

// discard force-removes a container, logging failures.
func (s *sdkClient) discard(ctx context.Context, id string) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true}); err != nil {
		logging.Get().Warn().Err(err).Str("container", id).Msg("failed removing container")
	}
}

func (s *sdkClient) StartService(ctx context.Context, containerID string) error {
	if err := s.cli.ContainerStart(ctx, containerID, containertypes.StartOptions{}); err != nil {
		return oops.With("container", containerID).Wrapf(err, "start container")
	}
	return nil
}

func (s *sdkClient) StopService(ctx context.Context, containerID string, timeout time.Duration) error {
	opts := containertypes.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Round(time.Second) / time.Second)
		opts.Timeout = &secs
	}
	logging.Get().Info().Str("container", containerID).Dur("timeout", timeout).Msg("stopping container")
	if err := s.cli.ContainerStop(ctx, containerID, opts); err != nil {
		return oops.With("container", containerID).Wrapf(err, "stop container")
	}
	return nil
}

func (s *sdkClient) RemoveService(ctx context.Context, containerID string) error {
	logging.Get().Info().Str("container", containerID).Msg("removing container")
	if err := s.cli.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true}); err != nil {
		return oops.With("container", containerID).Wrapf(err, "remove container")
	}
	return nil
}

func (s *sdkClient) Inspect(ctx context.Context, containerID string) (ServiceStatus, error) {
	insp, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ServiceStatus{}, oops.With("container", containerID).Wrapf(err, "inspect container")
	}
	return toStatus(insp), nil
}

func toStatus(insp types.ContainerJSON) ServiceStatus {
	var st ServiceStatus
	if insp.ContainerJSONBase != nil {
		st.ID = insp.ID
		st.Name = strings.TrimPrefix(insp.Name, "/")
		st.ImageID = insp.Image
		if insp.State != nil {
			st.State = insp.State.Status
			st.ExitCode = insp.State.ExitCode
			if insp.State.Health != nil {
				st.Health = insp.State.Health.Status
			}
			if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil && t.Year() > 1 {
				st.StartedAt = t
			}
		}
	}
	if insp.Config != nil {
		st.Image = insp.Config.Image
		st.ConfigHash = insp.Config.Labels[LabelConfigHash]
	}
	if insp.NetworkSettings != nil {
		for port, bindings := range insp.NetworkSettings.Ports {
			for _, b := range bindings {
				ip := b.HostIP
				if ip == "" {
					ip = "0.0.0.0"
				}
				st.Ports = append(st.Ports, fmt.Sprintf("%s:%s->%s", ip, b.HostPort, port))
			}
		}
		for n := range insp.NetworkSettings.Networks {
			st.Networks = append(st.Networks, n)
		}
	}
	sort.Strings(st.Ports)
	sort.Strings(st.Networks)
	return st
}
