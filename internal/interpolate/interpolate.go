// Package interpolate implements compose-style variable substitution for
// descriptor values: $VAR, ${VAR}, ${VAR:-default}, ${VAR-default},
// ${VAR:?err}, ${VAR?err}, ${VAR:+alt}, ${VAR+alt} and $$ escapes.
package interpolate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lookup resolves a variable name. ok is false when the variable is unset.
type Lookup func(name string) (value string, ok bool)

// EnvLookup resolves variables from the process environment.
func EnvLookup(name string) (string, bool) { return os.LookupEnv(name) }

// MapLookup resolves variables from a fixed map.
func MapLookup(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// Chain consults lookups in order and returns the first hit.
func Chain(lookups ...Lookup) Lookup {
	return func(name string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(name); ok {
				return v, true
			}
		}
		return "", false
	}
}

// MissingVariable describes one variable that failed to resolve.
type MissingVariable struct {
	Name    string
	Path    string
	Message string
}

// MissingVariablesError lists every variable that did not resolve during
// one interpolation pass.
type MissingVariablesError struct {
	Missing []MissingVariable
}

func (e *MissingVariablesError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		s := fmt.Sprintf("%s (at %s)", m.Name, m.Path)
		if m.Message != "" {
			s += ": " + m.Message
		}
		parts = append(parts, s)
	}
	return "missing variables: " + strings.Join(parts, "; ")
}

// Names returns the distinct missing variable names in sorted order.
func (e *MissingVariablesError) Names() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range e.Missing {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

// SyntaxError reports a malformed substitution expression.
type SyntaxError struct {
	Path   string
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid interpolation format at %s: %q: %s", e.Path, e.Text, e.Reason)
}

// Interpolator substitutes variables and accumulates missing ones so a
// whole document can be reported at once.
type Interpolator struct {
	lookup   Lookup
	required map[string]bool
	missing  []MissingVariable
	unset    map[string]struct{}
	used     map[string]struct{}
}

// New returns an Interpolator. Variables listed in required must resolve to
// a non-empty value wherever they are referenced.
func New(lookup Lookup, required ...string) *Interpolator {
	if lookup == nil {
		lookup = EnvLookup
	}
	req := make(map[string]bool, len(required))
	for _, r := range required {
		req[r] = true
	}
	return &Interpolator{lookup: lookup, required: req, unset: map[string]struct{}{}, used: map[string]struct{}{}}
}

// Unset returns variables that were referenced without a value and were
// substituted with an empty string.
func (i *Interpolator) Unset() []string {
	return sortedKeys(i.unset)
}

// Used returns every variable name referenced so far.
func (i *Interpolator) Used() []string {
	return sortedKeys(i.used)
}

// Err returns a MissingVariablesError when any variable failed to resolve.
func (i *Interpolator) Err() error {
	if len(i.missing) == 0 {
		return nil
	}
	return &MissingVariablesError{Missing: append([]MissingVariable(nil), i.missing...)}
}

// Node substitutes every scalar value in the tree in place. Mapping keys
// are left untouched. Syntax errors abort immediately; missing variables
// are collected and returned together once the walk completes.
func (i *Interpolator) Node(n *yaml.Node) error {
	if err := i.walk(n, ""); err != nil {
		return err
	}
	return i.Err()
}

func (i *Interpolator) walk(n *yaml.Node, path string) error {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := i.walk(c, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for k := 0; k+1 < len(n.Content); k += 2 {
			if err := i.walk(n.Content[k+1], joinPath(path, n.Content[k].Value)); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for idx, c := range n.Content {
			if err := i.walk(c, fmt.Sprintf("%s[%d]", path, idx)); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "$") {
			return nil
		}
		out, err := i.String(n.Value, path)
		if err != nil {
			return err
		}
		n.Value = out
		if n.Style == 0 {
			// let the decoder re-resolve plain scalars (e.g. a substituted port number)
			n.Tag = ""
		}
	}
	return nil
}

// String substitutes variables in s. path is used for error reporting only.
func (i *Interpolator) String(s, path string) (string, error) {
	var b strings.Builder
	for pos := 0; pos < len(s); {
		c := s[pos]
		if c != '$' || pos+1 >= len(s) {
			b.WriteByte(c)
			pos++
			continue
		}
		next := s[pos+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			pos += 2
		case next == '{':
			end, err := closingBrace(s, pos+2)
			if err != nil {
				return "", &SyntaxError{Path: path, Text: s[pos:], Reason: err.Error()}
			}
			v, err := i.expr(s[pos+2:end], s[pos:end+1], path)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			pos = end + 1
		case isNameStart(next):
			end := pos + 1
			for end < len(s) && isNameChar(s[end]) {
				end++
			}
			name := s[pos+1 : end]
			b.WriteString(i.plain(name, path))
			pos = end
		default:
			b.WriteByte('$')
			pos++
		}
	}
	return b.String(), nil
}

// expr evaluates the inside of a ${...} expression.
func (i *Interpolator) expr(inner, raw, path string) (string, error) {
	n := 0
	for n < len(inner) && (n == 0 && isNameStart(inner[n]) || n > 0 && isNameChar(inner[n])) {
		n++
	}
	if n == 0 {
		return "", &SyntaxError{Path: path, Text: raw, Reason: "missing or invalid variable name"}
	}
	name, rest := inner[:n], inner[n:]
	if rest == "" {
		return i.plain(name, path), nil
	}

	var op string
	for _, candidate := range []string{":-", ":?", ":+", "-", "?", "+"} {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return "", &SyntaxError{Path: path, Text: raw, Reason: fmt.Sprintf("unsupported modifier %q", rest)}
	}
	// the argument is only substituted when its branch is taken
	arg := func() (string, error) { return i.String(rest[len(op):], path) }

	i.used[name] = struct{}{}
	val, set := i.lookup(name)
	empty := !set || val == ""
	switch op {
	case ":-", "-":
		if op == ":-" && empty || op == "-" && !set {
			v, err := arg()
			if err != nil {
				return "", err
			}
			val = v
		}
	case ":?", "?":
		if op == ":?" && empty || op == "?" && !set {
			msg, err := arg()
			if err != nil {
				return "", err
			}
			fallback := "required variable is not set"
			if op == ":?" {
				fallback = "required variable is missing a value"
			}
			i.addMissing(name, path, messageOr(msg, fallback))
			return "", nil
		}
	case ":+", "+":
		if op == ":+" && empty || op == "+" && !set {
			return "", nil
		}
		return arg()
	}
	if i.required[name] && val == "" {
		i.addMissing(name, path, "required variable resolved to an empty value")
	}
	return val, nil
}

// plain resolves a bare $VAR or ${VAR} reference.
func (i *Interpolator) plain(name, path string) string {
	i.used[name] = struct{}{}
	val, ok := i.lookup(name)
	if i.required[name] {
		switch {
		case !ok:
			i.addMissing(name, path, "required variable is not set")
		case val == "":
			i.addMissing(name, path, "required variable is empty")
		}
		return val
	}
	if !ok {
		i.unset[name] = struct{}{}
	}
	return val
}

func (i *Interpolator) addMissing(name, path, msg string) {
	i.missing = append(i.missing, MissingVariable{Name: name, Path: path, Message: msg})
}

// closingBrace finds the brace closing the expression that starts at from,
// honouring nested ${...} in default values.
func closingBrace(s string, from int) (int, error) {
	depth := 1
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated variable expression")
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
