package compose

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// checkKeys rejects mapping keys outside allowed so that a round trip never
// silently drops configuration.
func checkKeys(n *yaml.Node, allowed ...string) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	for i := 0; i < len(n.Content); i += 2 {
		k := n.Content[i]
		if _, ok := set[k.Value]; !ok {
			return fmt.Errorf("line %d: unsupported key %q", k.Line, k.Value)
		}
	}
	return nil
}

type serviceAlias Service

// UnmarshalYAML decodes a service, rejecting keys the model does not carry.
func (s *Service) UnmarshalYAML(n *yaml.Node) error {
	if err := checkKeys(n, "image", "container_name", "build", "restart", "volumes", "ports", "environment", "networks", "labels"); err != nil {
		return err
	}
	var a serviceAlias
	if err := n.Decode(&a); err != nil {
		return err
	}
	*s = Service(a)
	return nil
}

type buildAlias Build

// UnmarshalYAML accepts "build: ./dir" and the mapping form.
func (b *Build) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*b = Build{Context: n.Value}
		return nil
	}
	if err := checkKeys(n, "context", "dockerfile", "args"); err != nil {
		return err
	}
	var a buildAlias
	if err := n.Decode(&a); err != nil {
		return err
	}
	*b = Build(a)
	return nil
}

// UnmarshalYAML accepts external as a boolean or the legacy {name: x} form.
func (nw *Network) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		*nw = Network{}
		return nil
	}
	if err := checkKeys(n, "name", "external", "driver"); err != nil {
		return err
	}
	var out Network
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i].Value, n.Content[i+1]
		switch k {
		case "name":
			out.Name = v.Value
		case "driver":
			out.Driver = v.Value
		case "external":
			if v.Kind == yaml.MappingNode {
				var legacy struct {
					Name string `yaml:"name"`
				}
				if err := v.Decode(&legacy); err != nil {
					return err
				}
				out.External = true
				if legacy.Name != "" {
					out.Name = legacy.Name
				}
				continue
			}
			if err := v.Decode(&out.External); err != nil {
				return fmt.Errorf("line %d: external: %w", v.Line, err)
			}
		}
	}
	*nw = out
	return nil
}

type namedVolumeAlias NamedVolume

// UnmarshalYAML decodes a top-level volume declaration.
func (nv *NamedVolume) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		*nv = NamedVolume{}
		return nil
	}
	if err := checkKeys(n, "name", "external", "driver"); err != nil {
		return err
	}
	var a namedVolumeAlias
	if err := n.Decode(&a); err != nil {
		return err
	}
	*nv = NamedVolume(a)
	return nil
}
