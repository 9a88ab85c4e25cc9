package compose

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment maps variable names to values. A nil value is a bare entry
// whose value the runtime takes from its own environment.
type Environment map[string]*string

// UnmarshalYAML accepts the list form ("KEY=VALUE" or "KEY") and the map form.
func (e *Environment) UnmarshalYAML(n *yaml.Node) error {
	out := Environment{}
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment entries must be strings", item.Line)
			}
			k, v, ok := strings.Cut(item.Value, "=")
			if k == "" {
				return fmt.Errorf("line %d: environment entry %q has no name", item.Line, item.Value)
			}
			if !ok {
				out[k] = nil
				continue
			}
			out[k] = strPtr(v)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i].Value, n.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment value for %s must be a scalar", v.Line, k)
			}
			if v.Tag == "!!null" {
				out[k] = nil
				continue
			}
			out[k] = strPtr(v.Value)
		}
	default:
		return fmt.Errorf("line %d: environment must be a list or a mapping", n.Line)
	}
	*e = out
	return nil
}

// MarshalYAML emits the list form, sorted by name.
func (e Environment) MarshalYAML() (interface{}, error) {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if e[k] == nil {
			out = append(out, k)
			continue
		}
		out = append(out, k+"="+*e[k])
	}
	return out, nil
}

// Resolve fills bare entries from lookup, leaving unresolved ones nil.
func (e Environment) Resolve(lookup func(string) (string, bool)) {
	for k, v := range e {
		if v != nil || lookup == nil {
			continue
		}
		if val, ok := lookup(k); ok {
			e[k] = strPtr(val)
		}
	}
}

// List renders KEY=VALUE pairs for the container runtime, skipping entries
// without a value.
func (e Environment) List() []string {
	keys := make([]string, 0, len(e))
	for k, v := range e {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+*e[k])
	}
	return out
}

// Mapping is a string map that also accepts the "KEY=VALUE" list form
// (build args, labels).
type Mapping map[string]string

// UnmarshalYAML accepts the list form and the map form.
func (m *Mapping) UnmarshalYAML(n *yaml.Node) error {
	out := Mapping{}
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			k, v, _ := strings.Cut(item.Value, "=")
			if k == "" {
				return fmt.Errorf("line %d: entry %q has no name", item.Line, item.Value)
			}
			out[k] = v
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			v := n.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: value for %s must be a scalar", v.Line, n.Content[i].Value)
			}
			if v.Tag == "!!null" {
				out[n.Content[i].Value] = ""
				continue
			}
			out[n.Content[i].Value] = v.Value
		}
	default:
		return fmt.Errorf("line %d: expected a list or a mapping", n.Line)
	}
	*m = out
	return nil
}

// Networks lists the networks a service attaches to.
type Networks []string

// UnmarshalYAML accepts a list of names or a mapping of names to empty
// attachment options.
func (ns *Networks) UnmarshalYAML(n *yaml.Node) error {
	var out Networks
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			out = append(out, item.Value)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			v := n.Content[i+1]
			if !(v.Kind == yaml.ScalarNode && v.Tag == "!!null") && !(v.Kind == yaml.MappingNode && len(v.Content) == 0) {
				return fmt.Errorf("line %d: network attachment options for %s are not supported", v.Line, n.Content[i].Value)
			}
			out = append(out, n.Content[i].Value)
		}
	default:
		return fmt.Errorf("line %d: networks must be a list or a mapping", n.Line)
	}
	sort.Strings(out)
	*ns = out
	return nil
}

func strPtr(s string) *string { return &s }
