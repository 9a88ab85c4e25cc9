// Package compose models the subset of the compose file format used by the
// clustering_outliers deployment descriptor: services with an image or
// build context, bind and named volume mounts, published ports,
// environment, labels and network attachments.
package compose

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Project is a parsed and interpolated descriptor.
type Project struct {
	// Version is the obsolete top-level version key, kept for round trips.
	Version  string                  `yaml:"version,omitempty"`
	Name     string                  `yaml:"name,omitempty"`
	Services map[string]*Service     `yaml:"services"`
	Networks map[string]*Network     `yaml:"networks,omitempty"`
	Volumes  map[string]*NamedVolume `yaml:"volumes,omitempty"`

	// WorkingDir is the directory relative bind sources resolve against.
	WorkingDir string `yaml:"-"`
	// UnsetVariables were referenced without a value and substituted empty.
	UnsetVariables []string `yaml:"-"`
}

// Service is one container-runtime unit of the descriptor.
type Service struct {
	Name          string      `yaml:"-"`
	Image         string      `yaml:"image,omitempty"`
	ContainerName string      `yaml:"container_name,omitempty"`
	Build         *Build      `yaml:"build,omitempty"`
	Restart       string      `yaml:"restart,omitempty"`
	Volumes       []Volume    `yaml:"volumes,omitempty"`
	Ports         Ports       `yaml:"ports,omitempty"`
	Environment   Environment `yaml:"environment,omitempty"`
	Networks      Networks    `yaml:"networks,omitempty"`
	Labels        Mapping     `yaml:"labels,omitempty"`
}

// Build describes how to build the service image from a local context.
type Build struct {
	Context    string  `yaml:"context,omitempty"`
	Dockerfile string  `yaml:"dockerfile,omitempty"`
	Args       Mapping `yaml:"args,omitempty"`
}

// Network is a top-level network declaration.
type Network struct {
	Name     string `yaml:"name,omitempty"`
	External bool   `yaml:"external,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
}

// NamedVolume is a top-level volume declaration.
type NamedVolume struct {
	Name     string `yaml:"name,omitempty"`
	External bool   `yaml:"external,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
}

// ServiceNames returns service names in sorted order.
func (p *Project) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for n := range p.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Service returns the named service or nil.
func (p *Project) Service(name string) *Service {
	if p == nil {
		return nil
	}
	return p.Services[name]
}

// NetworkName returns the runtime name of a declared network. External
// networks and networks with an explicit name are used verbatim; others
// are prefixed with the project name.
func (p *Project) NetworkName(key string) string {
	n := p.Networks[key]
	if n != nil && n.Name != "" {
		return n.Name
	}
	if (n != nil && n.External) || p.Name == "" {
		return key
	}
	return p.Name + "_" + key
}

var userHomeDir = os.UserHomeDir

// BindMount is a bind mount with its host source resolved to an absolute path.
type BindMount struct {
	Service  string
	Source   string
	Target   string
	ReadOnly bool
}

// BindMounts returns all bind mounts of all services, in service then
// declaration order, with host paths resolved against WorkingDir.
func (p *Project) BindMounts() []BindMount {
	var out []BindMount
	for _, name := range p.ServiceNames() {
		for _, v := range p.Services[name].Volumes {
			if v.Type != VolumeTypeBind {
				continue
			}
			out = append(out, BindMount{
				Service:  name,
				Source:   p.ResolvePath(v.Source),
				Target:   v.Target,
				ReadOnly: v.ReadOnly,
			})
		}
	}
	return out
}

// ResolvePath expands ~ and makes relative paths absolute against WorkingDir.
func (p *Project) ResolvePath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := userHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.WorkingDir, path)
}

// EnvValue returns the value of an environment entry and whether it has one.
func (s *Service) EnvValue(key string) (string, bool) {
	v, ok := s.Environment[key]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// MountByTarget returns the volume mounted at target.
func (s *Service) MountByTarget(target string) (Volume, bool) {
	for _, v := range s.Volumes {
		if v.Target == target {
			return v, true
		}
	}
	return Volume{}, false
}
