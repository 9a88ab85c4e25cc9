package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
)

// ServiceSpec is everything needed to create one service container.
type ServiceSpec struct {
	Project       string
	Service       string
	ContainerName string
	Image         string
	ConfigHash    string
	Env           []string
	Labels        map[string]string
	Mounts        []mount.Mount
	ExposedPorts  nat.PortSet
	PortBindings  nat.PortMap
	// Networks are runtime network names; the service name is added as
	// an alias on each.
	Networks []string
	Restart  containertypes.RestartPolicy
}

// DefaultImageName is the tag used for services that only declare a build.
func DefaultImageName(project, service string) string {
	return sanitizeName(project + "-" + service)
}

// DefaultContainerName follows the compose convention project-service-1.
func DefaultContainerName(project, service string) string {
	return sanitizeName(project + "-" + service + "-1")
}

// NewServiceSpec translates a descriptor service into a container spec.
func NewServiceSpec(p *compose.Project, service string) (ServiceSpec, error) {
	svc := p.Service(service)
	if svc == nil {
		return ServiceSpec{}, fmt.Errorf("service %q not found in descriptor", service)
	}
	spec := ServiceSpec{
		Project:       p.Name,
		Service:       service,
		ContainerName: svc.ContainerName,
		Image:         svc.Image,
		ConfigHash:    compose.ServiceHash(p, service),
		Env:           svc.Environment.List(),
		Labels:        map[string]string{},
		ExposedPorts:  nat.PortSet{},
		PortBindings:  nat.PortMap{},
	}
	if spec.ContainerName == "" {
		spec.ContainerName = DefaultContainerName(p.Name, service)
	}
	if spec.Image == "" {
		spec.Image = DefaultImageName(p.Name, service)
	}
	for k, v := range svc.Labels {
		spec.Labels[k] = v
	}
	spec.Labels[LabelProject] = p.Name
	spec.Labels[LabelService] = service
	spec.Labels[LabelConfigHash] = spec.ConfigHash

	for _, v := range svc.Volumes {
		spec.Mounts = append(spec.Mounts, toMount(p, v))
	}
	for _, pm := range svc.Ports {
		port := pm.NatPort()
		spec.ExposedPorts[port] = struct{}{}
		if pm.Published == "" && pm.HostIP == "" {
			continue
		}
		spec.PortBindings[port] = append(spec.PortBindings[port], nat.PortBinding{HostIP: pm.HostIP, HostPort: pm.Published})
	}
	networks := svc.Networks
	if len(networks) == 0 {
		networks = compose.Networks{"default"}
	}
	for _, n := range networks {
		spec.Networks = append(spec.Networks, p.NetworkName(n))
	}
	sort.Strings(spec.Networks)

	restart, err := parseRestart(svc.Restart)
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("service %q: %w", service, err)
	}
	spec.Restart = restart
	return spec, nil
}

func toMount(p *compose.Project, v compose.Volume) mount.Mount {
	m := mount.Mount{Target: v.Target, ReadOnly: v.ReadOnly}
	if v.IsBind() {
		m.Type = mount.TypeBind
		m.Source = p.ResolvePath(v.Source)
		return m
	}
	m.Type = mount.TypeVolume
	if v.Source == "" {
		return m
	}
	m.Source = v.Source
	if nv := p.Volumes[v.Source]; nv != nil {
		switch {
		case nv.Name != "":
			m.Source = nv.Name
		case !nv.External && p.Name != "":
			m.Source = p.Name + "_" + v.Source
		}
	}
	for _, o := range v.Options {
		if o == "nocopy" {
			m.VolumeOptions = &mount.VolumeOptions{NoCopy: true}
		}
	}
	return m
}

// parseRestart maps a compose restart value to a policy. An empty value
// means unless-stopped so a deployed service survives daemon restarts.
func parseRestart(v string) (containertypes.RestartPolicy, error) {
	switch {
	case v == "":
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyUnlessStopped}, nil
	case v == "no":
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyDisabled}, nil
	case v == "always":
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyAlways}, nil
	case v == "unless-stopped":
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyUnlessStopped}, nil
	case v == "on-failure":
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyOnFailure}, nil
	case strings.HasPrefix(v, "on-failure:"):
		n, err := strconv.Atoi(strings.TrimPrefix(v, "on-failure:"))
		if err != nil || n < 0 {
			return containertypes.RestartPolicy{}, fmt.Errorf("invalid restart policy %q", v)
		}
		return containertypes.RestartPolicy{Name: containertypes.RestartPolicyOnFailure, MaximumRetryCount: n}, nil
	}
	return containertypes.RestartPolicy{}, fmt.Errorf("invalid restart policy %q", v)
}

// containerConfigs renders the SDK create arguments.
func (s ServiceSpec) containerConfigs() (*containertypes.Config, *containertypes.HostConfig, *network.NetworkingConfig) {
	cfg := &containertypes.Config{
		Image:        s.Image,
		Env:          s.Env,
		Labels:       s.Labels,
		ExposedPorts: s.ExposedPorts,
	}
	host := &containertypes.HostConfig{
		Mounts:        s.Mounts,
		PortBindings:  s.PortBindings,
		RestartPolicy: s.Restart,
	}
	var netCfg *network.NetworkingConfig
	if len(s.Networks) > 0 {
		host.NetworkMode = containertypes.NetworkMode(s.Networks[0])
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
		for _, n := range s.Networks {
			netCfg.EndpointsConfig[n] = &network.EndpointSettings{Aliases: []string{s.Service}}
		}
	}
	return cfg, host, netCfg
}

// PublishedPorts lists host ports the spec binds, for health URLs and
// port ownership checks.
func (s ServiceSpec) PublishedPorts() []int {
	var out []int
	for _, bindings := range s.PortBindings {
		for _, b := range bindings {
			if n, err := strconv.Atoi(b.HostPort); err == nil {
				out = append(out, n)
			}
		}
	}
	sort.Ints(out)
	return out
}

// HostPortFor returns the host binding of a container port.
func (s ServiceSpec) HostPortFor(containerPort int) (host string, port int, ok bool) {
	for p, bindings := range s.PortBindings {
		if p.Int() != containerPort || len(bindings) == 0 {
			continue
		}
		n, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		return bindings[0].HostIP, n, true
	}
	return "", 0, false
}
