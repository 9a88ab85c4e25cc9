package preflight

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
)

// SQLiteHeader is the magic string every SQLite 3 database file starts with.
const SQLiteHeader = "SQLite format 3\x00"

var sqliteExts = map[string]bool{".sqlite": true, ".sqlite3": true, ".db": true}

var loggingLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true}

func isSecretTarget(target string) bool {
	return filepath.Base(target) == "secret_key"
}

func isSQLiteTarget(target string) bool {
	return sqliteExts[strings.ToLower(filepath.Ext(target))]
}

// expectsFile reports whether a bind target names a file rather than a
// directory inside the container.
func expectsFile(target string) bool {
	return isSecretTarget(target) || filepath.Ext(target) != ""
}

func (r *runner) source(v compose.Volume) string {
	return r.project.ResolvePath(v.Source)
}

func checkBindSources(r *runner, svc *compose.Service) {
	for _, v := range svc.Volumes {
		if !v.IsBind() {
			continue
		}
		src := r.source(v)
		wantFile := expectsFile(v.Target)
		fi, err := os.Stat(src)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if r.opts.Fix && r.fixSource(src, v.Target, wantFile) {
				continue
			}
			if wantFile {
				r.add(SeverityError, src, "file source for %s does not exist; the runtime would create a directory in its place", v.Target)
			} else {
				r.add(SeverityError, src, "directory source for %s does not exist", v.Target)
			}
		case err != nil:
			r.add(SeverityError, src, "cannot stat bind source: %v", err)
		case wantFile && !fi.Mode().IsRegular():
			r.add(SeverityError, src, "expected a regular file for %s, found %s", v.Target, kindOf(fi))
		case !wantFile && !fi.IsDir():
			r.add(SeverityError, src, "expected a directory for %s, found %s", v.Target, kindOf(fi))
		}
	}
}

// fixSource creates a missing directory source or an empty SQLite file.
// The secret key is never generated.
func (r *runner) fixSource(src, target string, wantFile bool) bool {
	if !wantFile {
		if err := os.MkdirAll(src, 0o755); err != nil {
			r.add(SeverityError, src, "create directory: %v", err)
			return true
		}
		r.fixed("created directory %s", src)
		return true
	}
	if !isSQLiteTarget(target) {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		r.add(SeverityError, src, "create parent directory: %v", err)
		return true
	}
	f, err := os.OpenFile(src, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		r.add(SeverityError, src, "create empty database file: %v", err)
		return true
	}
	_ = f.Close()
	r.fixed("created empty database file %s", src)
	return true
}

func kindOf(fi fs.FileInfo) string {
	switch {
	case fi.IsDir():
		return "a directory"
	case fi.Mode()&fs.ModeSymlink != 0:
		return "a symlink"
	case fi.Mode().IsRegular():
		return "a regular file"
	default:
		return "a special file"
	}
}

func secretMount(svc *compose.Service) (compose.Volume, bool) {
	for _, v := range svc.Volumes {
		if isSecretTarget(v.Target) {
			return v, true
		}
	}
	return compose.Volume{}, false
}

func checkReadOnlySecret(r *runner, svc *compose.Service) {
	v, ok := secretMount(svc)
	if !ok {
		return
	}
	if !v.ReadOnly {
		r.add(SeverityError, v.Target, "secret key must be mounted read-only (append :ro)")
	}
}

func checkSecretKey(r *runner, svc *compose.Service) {
	v, ok := secretMount(svc)
	if !ok || !v.IsBind() {
		return
	}
	src := r.source(v)
	fi, err := os.Stat(src)
	if err != nil || !fi.Mode().IsRegular() {
		// reported by bind-sources
		return
	}
	if fi.Size() == 0 {
		r.add(SeverityError, src, "secret key file is empty")
	} else if b, err := os.ReadFile(src); err == nil && len(bytes.TrimSpace(b)) == 0 {
		r.add(SeverityError, src, "secret key file contains only whitespace")
	}
	if fi.Mode().Perm()&0o077 != 0 {
		r.add(SeverityWarning, src, "secret key file is readable by group or others (mode %04o)", fi.Mode().Perm())
	}
}

func checkSQLiteFile(r *runner, svc *compose.Service) {
	for _, v := range svc.Volumes {
		if !v.IsBind() || !isSQLiteTarget(v.Target) {
			continue
		}
		src := r.source(v)
		f, err := os.Open(src)
		if err != nil {
			continue
		}
		header := make([]byte, len(SQLiteHeader))
		n, err := io.ReadFull(f, header)
		_ = f.Close()
		fi, statErr := os.Stat(src)
		switch {
		case statErr == nil && fi.IsDir():
			// reported by bind-sources
		case n == 0 && (err == io.EOF || err == nil):
			// fresh database, created by the service on first start
		case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
			r.add(SeverityError, src, "read database header: %v", err)
		case string(header[:n]) != SQLiteHeader:
			r.add(SeverityError, src, "not a SQLite 3 database (bad header)")
		}
	}
}

func checkOutputDirEnv(r *runner, svc *compose.Service) {
	dir, ok := svc.EnvValue("OUTPUT_DIR")
	if !ok || dir == "" {
		r.add(SeverityError, "OUTPUT_DIR", "OUTPUT_DIR is not set; the service refuses to start without it")
		return
	}
	if _, ok := svc.MountByTarget(dir); !ok {
		r.add(SeverityError, "OUTPUT_DIR", "%s is not backed by a mount; results would be lost with the container", dir)
	}
}

func checkOutputWritable(r *runner, svc *compose.Service) {
	dir, ok := svc.EnvValue("OUTPUT_DIR")
	if !ok {
		return
	}
	v, ok := svc.MountByTarget(dir)
	if !ok || !v.IsBind() {
		return
	}
	if v.ReadOnly {
		r.add(SeverityError, v.Target, "output directory is mounted read-only")
		return
	}
	src := r.source(v)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return
	}
	f, err := os.CreateTemp(src, ".deployctl-*")
	if err != nil {
		r.add(SeverityError, src, "output directory is not writable: %v", err)
		return
	}
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil {
		r.add(SeverityWarning, src, "remove probe file: %v", err)
	}
}

func checkFlaskEnv(r *runner, svc *compose.Service) {
	env, _ := svc.EnvValue("FLASK_ENV")
	if env != "testing" && env != "development" {
		_, hasKey := svc.EnvValue("SECRET_KEY")
		_, hasFile := svc.EnvValue("SECRET_KEY_FILE")
		if !hasKey && !hasFile {
			r.add(SeverityWarning, "FLASK_ENV", "FLASK_ENV=%q needs SECRET_KEY or SECRET_KEY_FILE; neither is set in the descriptor, so the image must provide one", env)
		}
	}
	if debug, ok := svc.EnvValue("FLASK_DEBUG"); ok {
		if _, err := strconv.ParseBool(debug); err != nil {
			r.add(SeverityError, "FLASK_DEBUG", "%q is not a boolean (use 0, 1, true or false)", debug)
		}
	}
}

func checkLoggingLevel(r *runner, svc *compose.Service) {
	level, ok := svc.EnvValue("LOGGING_ROOT_LEVEL")
	if !ok || level == "" {
		return
	}
	if !loggingLevels[strings.ToUpper(level)] {
		r.add(SeverityError, "LOGGING_ROOT_LEVEL", "unknown level %q (expected DEBUG, INFO, WARNING, ERROR or CRITICAL)", level)
	}
}

func checkCORS(r *runner, svc *compose.Service) {
	cors, ok := svc.EnvValue("CORS")
	if !ok || !strings.HasPrefix(cors, "[") {
		return
	}
	var origins []string
	if err := json.Unmarshal([]byte(cors), &origins); err != nil {
		r.add(SeverityError, "CORS", "value starts with [ but is not a JSON array of strings: %v", err)
	}
}

func checkPorts(r *runner, svc *compose.Service) {
	for _, pm := range svc.Ports {
		if pm.Published == "" {
			continue
		}
		port := pm.PublishedPort()
		if port < 1 || port > 65535 {
			r.add(SeverityError, pm.String(), "published port %q out of range 1-65535", pm.Published)
			continue
		}
		if r.opts.SkipPortProbe {
			continue
		}
		if err := r.probe(pm); err != nil {
			if r.opts.OwnedPorts[port] {
				r.add(SeverityWarning, pm.String(), "port %d is in use by the running %s container and will be released on recreate", port, svc.Name)
				continue
			}
			r.add(SeverityError, pm.String(), "host port %d is not available: %v", port, err)
		}
	}
}

func (r *runner) probe(pm compose.PortMapping) error {
	addr := pm.HostAddress()
	if pm.Protocol == "udp" {
		c, err := r.opts.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return c.Close()
	}
	l, err := r.opts.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}

func checkImageRef(r *runner, svc *compose.Service) {
	if svc.Image == "" {
		if svc.Build == nil {
			r.add(SeverityError, svc.Name, "neither image nor build is set")
		}
		return
	}
	if _, err := name.ParseReference(svc.Image); err != nil {
		r.add(SeverityError, svc.Image, "invalid image reference: %v", err)
	}
}

// String renders the report as a human-readable table.
func (r *Report) String() string {
	var b strings.Builder
	for _, f := range r.Fixed {
		fmt.Fprintf(&b, "fixed    %s\n", f)
	}
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "%-8s %-16s %s: %s\n", f.Severity, f.Check, f.Subject, f.Message)
	}
	if len(r.Findings) == 0 {
		b.WriteString("all checks passed\n")
	}
	return b.String()
}
