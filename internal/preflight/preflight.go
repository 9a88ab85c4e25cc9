// Package preflight evaluates deployment preconditions for a descriptor
// before any container operation runs.
package preflight

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ErrFailed is returned by Report.Err when any error-severity finding exists.
var ErrFailed = errors.New("preflight failed")

// Finding is the outcome of one check against one subject.
type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s: %s", f.Severity, f.Check, f.Subject, f.Message)
}

// Report collects findings and the repairs applied in fix mode.
type Report struct {
	Service  string    `json:"service"`
	Findings []Finding `json:"findings"`
	Fixed    []string  `json:"fixed,omitempty"`
}

// Failed reports whether any error-severity finding exists.
func (r *Report) Failed() bool {
	return len(r.Errors()) > 0
}

func (r *Report) Errors() []Finding   { return r.filter(SeverityError) }
func (r *Report) Warnings() []Finding { return r.filter(SeverityWarning) }

func (r *Report) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// ByCheck returns the findings produced by the named check.
func (r *Report) ByCheck(check string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

// Err returns nil when the report passed, otherwise an error wrapping
// ErrFailed that lists every error finding.
func (r *Report) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	lines := make([]string, 0, len(errs))
	for _, f := range errs {
		lines = append(lines, f.String())
	}
	return fmt.Errorf("%w: %d error(s):\n  %s", ErrFailed, len(errs), strings.Join(lines, "\n  "))
}

// Options tune a preflight run.
type Options struct {
	// Service to check. Empty checks every service of the project.
	Service string
	// Fix creates missing directory sources and empty SQLite files.
	Fix bool
	// SkipPortProbe disables the host port availability probe.
	SkipPortProbe bool
	// OwnedPorts are host ports already published by this service's
	// running container; a busy owned port is only a warning.
	OwnedPorts map[int]bool
	// Listen opens a probe listener. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
	// ListenPacket opens a UDP probe socket. Defaults to net.ListenPacket.
	ListenPacket func(network, address string) (net.PacketConn, error)
}

type check struct {
	name string
	run  func(*runner, *compose.Service)
}

// Check names, in evaluation order. Fixes applied by bind-sources are
// visible to the checks that follow it.
var checks = []check{
	{"bind-sources", checkBindSources},
	{"readonly-secret", checkReadOnlySecret},
	{"secret-key", checkSecretKey},
	{"sqlite-file", checkSQLiteFile},
	{"output-dir-env", checkOutputDirEnv},
	{"output-writable", checkOutputWritable},
	{"flask-env", checkFlaskEnv},
	{"logging-level", checkLoggingLevel},
	{"cors", checkCORS},
	{"ports", checkPorts},
	{"image-ref", checkImageRef},
}

// Checks returns the names of all checks in evaluation order.
func Checks() []string {
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = c.name
	}
	return out
}

type runner struct {
	project *compose.Project
	opts    Options
	report  *Report
	current string
}

func (r *runner) add(sev Severity, subject, format string, args ...interface{}) {
	f := Finding{Check: r.current, Severity: sev, Subject: subject, Message: fmt.Sprintf(format, args...)}
	r.report.Findings = append(r.report.Findings, f)
	ev := logging.Get().Debug()
	if sev == SeverityError {
		ev = logging.Get().Warn()
	}
	ev.Str("check", f.Check).Str("subject", subject).Str("severity", string(sev)).Msg(f.Message)
}

func (r *runner) fixed(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.report.Fixed = append(r.report.Fixed, msg)
	logging.Get().Info().Str("check", r.current).Msg(msg)
}

// Run evaluates every check against the selected services.
func Run(p *compose.Project, opts Options) (*Report, error) {
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.ListenPacket == nil {
		opts.ListenPacket = net.ListenPacket
	}
	services := p.ServiceNames()
	if opts.Service != "" {
		if p.Service(opts.Service) == nil {
			return nil, fmt.Errorf("service %q not found in descriptor", opts.Service)
		}
		services = []string{opts.Service}
	}
	r := &runner{project: p, opts: opts, report: &Report{Service: opts.Service}}
	for _, name := range services {
		svc := p.Services[name]
		for _, c := range checks {
			r.current = c.name
			c.run(r, svc)
		}
	}
	logging.Get().Info().
		Int("errors", len(r.report.Errors())).
		Int("warnings", len(r.report.Warnings())).
		Int("fixed", len(r.report.Fixed)).
		Msg("preflight complete")
	return r.report, nil
}
