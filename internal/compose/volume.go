package compose

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Volume types.
const (
	VolumeTypeBind   = "bind"
	VolumeTypeVolume = "volume"
)

// short-syntax access modes accepted after the target path
var volumeModes = map[string]bool{
	"ro": true, "rw": true, "z": true, "Z": true, "nocopy": true,
	"consistent": true, "cached": true, "delegated": true,
}

// Volume is one entry of a service's volumes list.
type Volume struct {
	Type     string
	Source   string
	Target   string
	ReadOnly bool
	// Options holds short-syntax modes other than ro/rw, e.g. "z".
	Options []string
}

// ParseVolume parses the short syntax SOURCE:TARGET[:MODE].
func ParseVolume(spec string) (Volume, error) {
	if strings.TrimSpace(spec) == "" {
		return Volume{}, fmt.Errorf("empty volume specification")
	}
	parts := strings.Split(spec, ":")
	var v Volume
	switch len(parts) {
	case 1:
		v = Volume{Type: VolumeTypeVolume, Target: parts[0]}
	case 2, 3:
		v = Volume{Source: parts[0], Target: parts[1], Type: volumeTypeFor(parts[0])}
		if len(parts) == 3 {
			if err := v.applyModes(parts[2]); err != nil {
				return Volume{}, fmt.Errorf("volume %q: %w", spec, err)
			}
		}
	default:
		return Volume{}, fmt.Errorf("volume %q: too many colons", spec)
	}
	if err := v.validate(); err != nil {
		return Volume{}, fmt.Errorf("volume %q: %w", spec, err)
	}
	return v, nil
}

func (v *Volume) applyModes(modes string) error {
	var sawRO, sawRW bool
	for _, m := range strings.Split(modes, ",") {
		if !volumeModes[m] {
			return fmt.Errorf("unknown mode %q", m)
		}
		switch m {
		case "ro":
			sawRO = true
		case "rw":
			sawRW = true
		default:
			v.Options = append(v.Options, m)
		}
	}
	if sawRO && sawRW {
		return fmt.Errorf("conflicting modes ro and rw")
	}
	v.ReadOnly = sawRO
	return nil
}

func (v Volume) validate() error {
	if !strings.HasPrefix(v.Target, "/") {
		return fmt.Errorf("target %q must be an absolute container path", v.Target)
	}
	if v.Type != VolumeTypeBind && v.Type != VolumeTypeVolume {
		return fmt.Errorf("unsupported volume type %q", v.Type)
	}
	if v.Type == VolumeTypeBind && v.Source == "" {
		return fmt.Errorf("bind mount requires a source")
	}
	return nil
}

// String renders the short syntax.
func (v Volume) String() string {
	if v.Source == "" {
		return v.Target
	}
	s := v.Source + ":" + v.Target
	var modes []string
	if v.ReadOnly {
		modes = append(modes, "ro")
	}
	modes = append(modes, v.Options...)
	if len(modes) > 0 {
		s += ":" + strings.Join(modes, ",")
	}
	return s
}

// IsBind reports whether the volume is a host bind mount.
func (v Volume) IsBind() bool { return v.Type == VolumeTypeBind }

func volumeTypeFor(source string) string {
	if source == "" {
		return VolumeTypeVolume
	}
	switch source[0] {
	case '.', '/', '~':
		return VolumeTypeBind
	}
	return VolumeTypeVolume
}

type longVolume struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// UnmarshalYAML accepts both the short string syntax and the long mapping syntax.
func (v *Volume) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		parsed, err := ParseVolume(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*v = parsed
		return nil
	case yaml.MappingNode:
		if err := checkKeys(n, "type", "source", "target", "read_only"); err != nil {
			return err
		}
		var lv longVolume
		if err := n.Decode(&lv); err != nil {
			return err
		}
		parsed := Volume{Type: lv.Type, Source: lv.Source, Target: lv.Target, ReadOnly: lv.ReadOnly}
		if parsed.Type == "" {
			parsed.Type = volumeTypeFor(parsed.Source)
		}
		if err := parsed.validate(); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*v = parsed
		return nil
	}
	return fmt.Errorf("line %d: volume must be a string or a mapping", n.Line)
}

// MarshalYAML emits the short syntax whenever it re-parses to the same
// mount, and the long syntax otherwise.
func (v Volume) MarshalYAML() (interface{}, error) {
	if v.Source == "" || volumeTypeFor(v.Source) == v.Type {
		return v.String(), nil
	}
	return longVolume{Type: v.Type, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}, nil
}
