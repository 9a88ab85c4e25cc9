// Package envfile reads the .env file that sits next to a descriptor and
// combines it with the process environment the way compose does: process
// variables take precedence over file entries.
package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/interpolate"
)

// DefaultName is the env file looked up next to the descriptor.
const DefaultName = ".env"

// Read parses path. A missing file yields an empty map and no error.
func Read(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	m, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return m, nil
}

// PathFor returns explicit when set, otherwise the default env file in the
// descriptor's directory.
func PathFor(descriptorPath, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(filepath.Dir(descriptorPath), DefaultName)
}

// Lookup builds the interpolation lookup: process environment first, then
// the env file.
func Lookup(path string) (interpolate.Lookup, map[string]string, error) {
	file, err := Read(path)
	if err != nil {
		return nil, nil, err
	}
	return interpolate.Chain(os.LookupEnv, interpolate.MapLookup(file)), file, nil
}
