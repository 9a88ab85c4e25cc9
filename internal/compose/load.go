package compose

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/interpolate"
)

// LoadOptions controls how a descriptor is read.
type LoadOptions struct {
	// Lookup resolves variables; defaults to the process environment.
	Lookup interpolate.Lookup
	// Required variables must resolve to non-empty values.
	Required []string
	// WorkingDir overrides the directory relative paths resolve against.
	WorkingDir string
	// ProjectName overrides the name key and the directory-derived default.
	ProjectName string
}

// Load reads, interpolates and validates the descriptor at path.
func Load(path string, opts LoadOptions) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	if opts.WorkingDir == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("resolve descriptor directory: %w", err)
		}
		opts.WorkingDir = abs
	}
	return Parse(data, opts)
}

// Parse interpolates and decodes descriptor bytes.
func Parse(data []byte, opts LoadOptions) (*Project, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse descriptor: empty document")
	}
	if err := checkKeys(root.Content[0], "version", "name", "services", "networks", "volumes"); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = interpolate.EnvLookup
	}
	interp := interpolate.New(lookup, opts.Required...)
	if err := interp.Node(&root); err != nil {
		return nil, fmt.Errorf("interpolate descriptor: %w", err)
	}

	p := &Project{}
	if err := root.Decode(p); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	p.WorkingDir = opts.WorkingDir
	if opts.ProjectName != "" {
		p.Name = opts.ProjectName
	}
	if p.Name == "" && p.WorkingDir != "" {
		p.Name = filepath.Base(p.WorkingDir)
	}
	p.Name = NormalizeProjectName(p.Name)
	p.UnsetVariables = interp.Unset()

	if err := p.normalize(lookup); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal renders the project as YAML that Parse reads back to the same
// project. Values are already interpolated, so every $ is escaped.
func Marshal(p *Project) ([]byte, error) {
	var root yaml.Node
	if err := root.Encode(p); err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	escapeDollars(&root)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// escapeDollars doubles $ in every value scalar. Keys are never
// interpolated and stay as they are.
func escapeDollars(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			escapeDollars(c)
		}
	case yaml.MappingNode:
		for k := 1; k < len(n.Content); k += 2 {
			escapeDollars(n.Content[k])
		}
	case yaml.ScalarNode:
		n.Value = strings.ReplaceAll(n.Value, "$", "$$")
	}
}

var projectNameDisallowed = regexp.MustCompile(`[^a-z0-9_-]`)

// NormalizeProjectName lowercases and strips characters the runtime does
// not accept in project names.
func NormalizeProjectName(name string) string {
	name = projectNameDisallowed.ReplaceAllString(strings.ToLower(name), "")
	return strings.TrimLeft(name, "_-")
}

func (p *Project) normalize(lookup interpolate.Lookup) error {
	if p.Networks == nil {
		p.Networks = map[string]*Network{}
	}
	for k, n := range p.Networks {
		if n == nil {
			p.Networks[k] = &Network{}
		}
	}
	for k, v := range p.Volumes {
		if v == nil {
			p.Volumes[k] = &NamedVolume{}
		}
	}
	for name, s := range p.Services {
		if s == nil {
			return fmt.Errorf("service %q has no definition", name)
		}
		s.Name = name
		s.Environment.Resolve(lookup)
	}
	return nil
}

// Validate checks cross-references inside the project.
func (p *Project) Validate() error {
	if len(p.Services) == 0 {
		return fmt.Errorf("descriptor defines no services")
	}
	published := map[string]string{}
	for _, name := range p.ServiceNames() {
		s := p.Services[name]
		if s.Image == "" && s.Build == nil {
			return fmt.Errorf("service %q: neither image nor build is set", name)
		}
		targets := map[string]bool{}
		for _, v := range s.Volumes {
			if targets[v.Target] {
				return fmt.Errorf("service %q: duplicate mount target %s", name, v.Target)
			}
			targets[v.Target] = true
			if v.Type == VolumeTypeVolume && v.Source != "" {
				if _, ok := p.Volumes[v.Source]; !ok {
					return fmt.Errorf("service %q: volume %q is not declared", name, v.Source)
				}
			}
		}
		for _, n := range s.Networks {
			if _, ok := p.Networks[n]; !ok && n != "default" {
				return fmt.Errorf("service %q: network %q is not declared", name, n)
			}
		}
		for _, port := range s.Ports {
			if port.Published == "" {
				continue
			}
			key := port.HostIP + "|" + port.Published + "/" + port.Protocol
			if other, ok := published[key]; ok {
				return fmt.Errorf("service %q: host port %s already published by %q", name, port.Published, other)
			}
			published[key] = name
		}
	}
	return nil
}
