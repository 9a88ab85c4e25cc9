// Package docker runs descriptor services on a Docker Engine through the
// official SDK.
package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Labels set on every container deployctl creates.
const (
	LabelProject    = "deployctl.project"
	LabelService    = "deployctl.service"
	LabelConfigHash = "deployctl.config-hash"
)

const maxNameLen = 64

var (
	// ErrNetworkNotFound is returned when an external network does not exist.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrRolledBack is returned when a recreate failed and the previous
	// container was restored.
	ErrRolledBack = errors.New("rolled back to previous container")
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeName returns a Docker-safe container name: disallowed characters
// removed, lowercased, starting with an alphanumeric character and at most
// maxNameLen long. An empty result falls back to "container".
func sanitizeName(name string) string {
	clean := unsafeNameChars.ReplaceAllString(strings.ToLower(name), "")
	if clean == "" {
		return "container"
	}
	if len(clean) > maxNameLen {
		clean = clean[:maxNameLen]
	}
	r := rune(clean[0])
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		clean = "c" + clean
		if len(clean) > maxNameLen {
			clean = clean[:maxNameLen]
		}
	}
	return clean
}

// Container is a minimal container representation that keeps callers
// independent of SDK types.
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	ImageID string            `json:"image_id"`
	State   string            `json:"state"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Running reports whether the container is running.
func (c Container) Running() bool { return c.State == "running" }

// ConfigHash returns the descriptor hash the container was created from.
func (c Container) ConfigHash() string { return c.Labels[LabelConfigHash] }

// Image identifies a local image.
type Image struct {
	ID         string `json:"id"`
	RepoDigest string `json:"repo_digest,omitempty"`
}

// ServiceStatus is the runtime view of a deployed service container.
type ServiceStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	ImageID    string    `json:"image_id"`
	State      string    `json:"state"`
	Health     string    `json:"health,omitempty"`
	ExitCode   int       `json:"exit_code"`
	ConfigHash string    `json:"config_hash,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Ports      []string  `json:"ports,omitempty"`
	Networks   []string  `json:"networks,omitempty"`
}

// RecreateOptions tune Recreate and CreateService.
type RecreateOptions struct {
	// StopTimeout bounds the graceful stop of the previous container.
	StopTimeout time.Duration
	// Verify is called once the new container runs; an error triggers
	// rollback to the previous container.
	Verify func(ctx context.Context, containerID string) error
}

// Client is the interface used by the deployer for Docker operations.
type Client interface {
	// EnsureNetwork checks that a network exists, creating it unless it
	// is external.
	EnsureNetwork(ctx context.Context, name string, external bool, driver string, labels map[string]string) error
	// PullImage pulls the image and returns its local ID and repo digest.
	PullImage(ctx context.Context, image string) (Image, error)
	// LocalImage reports whether the image exists locally.
	LocalImage(ctx context.Context, image string) (Image, bool, error)
	BuildImage(ctx context.Context, spec BuildSpec) (Image, error)
	RemoveImage(ctx context.Context, imageID string) error

	// FindServiceContainer returns the container labelled with the
	// project and service, or nil when there is none.
	FindServiceContainer(ctx context.Context, project, service string) (*Container, error)
	ListProjectContainers(ctx context.Context, project string) ([]Container, error)
	CreateService(ctx context.Context, spec ServiceSpec, opts RecreateOptions) (string, error)
	// Recreate replaces old with a container built from spec, restoring
	// old if anything fails.
	Recreate(ctx context.Context, old Container, spec ServiceSpec, opts RecreateOptions) (string, error)
	StartService(ctx context.Context, containerID string) error
	StopService(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveService(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (ServiceStatus, error)
	// RecoverStale resolves containers left renamed aside by an
	// interrupted recreate.
	RecoverStale(ctx context.Context, project, service string) (int, error)
	Close() error
}

// dockerAPI is the subset of the SDK client sdkClient relies on.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerRename(ctx context.Context, containerID, newName string) error
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Close() error
}

// sdkClient is the production implementation using the official Docker SDK
type sdkClient struct {
	cli          dockerAPI
	registryAuth string
	// now is replaceable in tests
	now func() time.Time
}

// NewClient returns a client for host (empty means DOCKER_HOST and friends
// from the environment) with optional registry credentials.
func NewClient(host, user, pass string) (Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return newSDKClient(c, user, pass), nil
}

func newSDKClient(api dockerAPI, user, pass string) *sdkClient {
	s := &sdkClient{cli: api, now: time.Now}
	if user != "" || pass != "" {
		auth := map[string]string{"username": user, "password": pass}
		b, _ := json.Marshal(auth)
		s.registryAuth = base64.URLEncoding.EncodeToString(b)
	}
	return s
}

func (s *sdkClient) Close() error { return s.cli.Close() }
