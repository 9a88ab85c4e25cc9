package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flatten renders the project as a canonical key-value mapping. Two
// projects are equivalent when their flattened mappings are equal.
func Flatten(p *Project) map[string]string {
	out := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("version", p.Version)
	put("name", p.Name)

	for _, name := range p.ServiceNames() {
		s := p.Services[name]
		base := "services." + name
		put(base+".image", s.Image)
		put(base+".container_name", s.ContainerName)
		put(base+".restart", s.Restart)
		if s.Build != nil {
			out[base+".build.context"] = s.Build.Context
			put(base+".build.dockerfile", s.Build.Dockerfile)
			for k, v := range s.Build.Args {
				out[base+".build.args."+k] = v
			}
		}
		for i, v := range s.Volumes {
			vb := fmt.Sprintf("%s.volumes[%d]", base, i)
			out[vb+".type"] = v.Type
			put(vb+".source", v.Source)
			out[vb+".target"] = v.Target
			out[vb+".read_only"] = strconv.FormatBool(v.ReadOnly)
			put(vb+".options", strings.Join(v.Options, ","))
		}
		for i, port := range s.Ports {
			pb := fmt.Sprintf("%s.ports[%d]", base, i)
			put(pb+".host_ip", port.HostIP)
			put(pb+".published", port.Published)
			out[pb+".target"] = strconv.Itoa(int(port.Target))
			out[pb+".protocol"] = port.Protocol
		}
		for k, v := range s.Environment {
			if v == nil {
				out[base+".environment_unset."+k] = "true"
				continue
			}
			out[base+".environment."+k] = *v
		}
		for i, n := range s.Networks {
			out[fmt.Sprintf("%s.networks[%d]", base, i)] = n
		}
		for k, v := range s.Labels {
			out[base+".labels."+k] = v
		}
	}
	for k, n := range p.Networks {
		base := "networks." + k
		out[base+".external"] = strconv.FormatBool(n.External)
		put(base+".name", n.Name)
		put(base+".driver", n.Driver)
	}
	for k, v := range p.Volumes {
		base := "volumes." + k
		out[base+".external"] = strconv.FormatBool(v.External)
		put(base+".name", v.Name)
		put(base+".driver", v.Driver)
	}
	return out
}

// Change is one difference between two flattened projects.
type Change struct {
	Key  string
	From string
	To   string
	// Kind is "+" (added), "-" (removed) or "~" (modified).
	Kind string
}

func (c Change) String() string {
	switch c.Kind {
	case "+":
		return fmt.Sprintf("+ %s=%s", c.Key, c.To)
	case "-":
		return fmt.Sprintf("- %s=%s", c.Key, c.From)
	}
	return fmt.Sprintf("~ %s: %s -> %s", c.Key, c.From, c.To)
}

// Diff lists changes needed to turn a into b, sorted by key.
func Diff(a, b *Project) []Change {
	fa, fb := Flatten(a), Flatten(b)
	var out []Change
	for k, va := range fa {
		vb, ok := fb[k]
		switch {
		case !ok:
			out = append(out, Change{Key: k, From: va, Kind: "-"})
		case va != vb:
			out = append(out, Change{Key: k, From: va, To: vb, Kind: "~"})
		}
	}
	for k, vb := range fb {
		if _, ok := fa[k]; !ok {
			out = append(out, Change{Key: k, To: vb, Kind: "+"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Equivalent reports whether a and b flatten to the same mapping.
func Equivalent(a, b *Project) bool {
	return len(Diff(a, b)) == 0
}

// ServiceHash is a stable digest of everything that defines one service's
// container. It changes whenever a recreate is needed.
func ServiceHash(p *Project, service string) string {
	flat := Flatten(p)
	prefix := "services." + service + "."
	keys := make([]string, 0, len(flat))
	for k := range flat {
		if strings.HasPrefix(k, prefix) || strings.HasPrefix(k, "networks.") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, flat[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
