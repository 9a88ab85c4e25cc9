package deploy

import (
	"fmt"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// Plan is what Up would do to the service container.
type Plan struct {
	Project       string `json:"project"`
	Service       string `json:"service"`
	Image         string `json:"image"`
	ContainerName string `json:"container_name"`
	ConfigHash    string `json:"config_hash"`
	// Action is one of state.ActionCreate, ActionRecreate or ActionNoop.
	Action  string            `json:"action"`
	Reason  string            `json:"reason"`
	Current *docker.Container `json:"current,omitempty"`
	Ports   []int             `json:"ports,omitempty"`
}

func (p Plan) String() string {
	s := fmt.Sprintf("%s %s/%s (%s): %s", p.Action, p.Project, p.Service, p.Image, p.Reason)
	if p.Current != nil {
		s += fmt.Sprintf(" [current %s %s]", shortID(p.Current.ID), p.Current.State)
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// planFor compares the desired spec with the existing container. An image
// that moved behind an unchanged tag is only detected once it is pulled.
func planFor(spec docker.ServiceSpec, current *docker.Container) Plan {
	p := Plan{
		Project:       spec.Project,
		Service:       spec.Service,
		Image:         spec.Image,
		ContainerName: spec.ContainerName,
		ConfigHash:    spec.ConfigHash,
		Current:       current,
		Ports:         spec.PublishedPorts(),
	}
	switch {
	case current == nil:
		p.Action, p.Reason = state.ActionCreate, "no container for service"
	case current.ConfigHash() != spec.ConfigHash:
		p.Action, p.Reason = state.ActionRecreate, "configuration changed"
	case !current.Running():
		p.Action, p.Reason = state.ActionRecreate, "container is "+current.State
	default:
		p.Action, p.Reason = state.ActionNoop, "container is up to date"
	}
	return p
}
