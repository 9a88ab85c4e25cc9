package main

import (
	"os"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

const defaultDockerSocket = "/var/run/docker.sock"

// checkDockerSocketAccess verifies the socket exists and is openable for read/write.
// Returns nil if socket is absent (allowed), nil if accessible, or an error indicating
// why it isn't accessible (permission, other IO error, etc.).
func checkDockerSocketAccess(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		_ = f.Close()
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ensureDockerSocketAccessible logs socket access problems; engine calls
// report the actual failure.
func ensureDockerSocketAccessible(path string) {
	if err := checkDockerSocketAccess(path); err != nil {
		if os.IsPermission(err) {
			logging.Get().Warn().Str("socket", path).Msg("permission denied accessing the docker socket: add the user to the docker group or set DOCKER_HOST")
		} else {
			logging.Get().Warn().Err(err).Str("socket", path).Msg("problem accessing the docker socket; continuing but operations may fail")
		}
	}
}
