package compose

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// PortMapping publishes one container port on the host.
type PortMapping struct {
	HostIP    string
	Published string
	Target    uint16
	Protocol  string
}

// Ports is a service's ports list. Range specifications are expanded into
// one mapping per port.
type Ports []PortMapping

// ParsePorts parses a short port specification such as "5000:5000",
// "127.0.0.1:8080:80/udp" or "8000-8001:9000-9001".
func ParsePorts(spec string) ([]PortMapping, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", spec, err)
	}
	out := make([]PortMapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, PortMapping{
			HostIP:    m.Binding.HostIP,
			Published: m.Binding.HostPort,
			Target:    uint16(m.Port.Int()),
			Protocol:  m.Port.Proto(),
		})
	}
	return out, nil
}

// String renders the short syntax.
func (p PortMapping) String() string {
	s := strconv.Itoa(int(p.Target))
	switch {
	case p.HostIP != "":
		ip := p.HostIP
		if strings.Contains(ip, ":") {
			ip = "[" + ip + "]"
		}
		s = ip + ":" + p.Published + ":" + s
	case p.Published != "":
		s = p.Published + ":" + s
	}
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}

// NatPort returns the container port in docker's nat notation.
func (p PortMapping) NatPort() nat.Port {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return nat.Port(fmt.Sprintf("%d/%s", p.Target, proto))
}

// PublishedPort returns the host port as a number, or 0 when the runtime
// picks one.
func (p PortMapping) PublishedPort() int {
	n, err := strconv.Atoi(p.Published)
	if err != nil {
		return 0
	}
	return n
}

// HostAddress is the address a host-side listener would bind.
func (p PortMapping) HostAddress() string {
	return net.JoinHostPort(p.HostIP, p.Published)
}

type longPort struct {
	Target    int    `yaml:"target"`
	Published string `yaml:"published"`
	HostIP    string `yaml:"host_ip"`
	Protocol  string `yaml:"protocol"`
	Mode      string `yaml:"mode"`
}

// UnmarshalYAML accepts a sequence of short specs (strings or numbers) or
// long-syntax mappings.
func (ps *Ports) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: ports must be a list", n.Line)
	}
	var out Ports
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			parsed, err := ParsePorts(item.Value)
			if err != nil {
				return fmt.Errorf("line %d: %w", item.Line, err)
			}
			out = append(out, parsed...)
		case yaml.MappingNode:
			if err := checkKeys(item, "target", "published", "host_ip", "protocol", "mode"); err != nil {
				return err
			}
			var lp longPort
			if err := item.Decode(&lp); err != nil {
				return err
			}
			if lp.Target < 1 || lp.Target > 65535 {
				return fmt.Errorf("line %d: port target %d out of range", item.Line, lp.Target)
			}
			proto := lp.Protocol
			if proto == "" {
				proto = "tcp"
			}
			out = append(out, PortMapping{HostIP: lp.HostIP, Published: lp.Published, Target: uint16(lp.Target), Protocol: proto})
		default:
			return fmt.Errorf("line %d: port must be a string or a mapping", item.Line)
		}
	}
	*ps = out
	return nil
}

// MarshalYAML emits the short syntax for every mapping.
func (ps Ports) MarshalYAML() (interface{}, error) {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out, nil
}
