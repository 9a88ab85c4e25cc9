package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	id       string
	name     string
	running  bool
	exitCode int
	config   *containertypes.Config
	host     *containertypes.HostConfig
	netCfg   *network.NetworkingConfig
}

// fakeDockerAPI is an in-memory engine good enough for the lifecycle
// paths sdkClient drives. Like the SDK transport, container calls fail
// once their context is done.
type fakeDockerAPI struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	images     map[string]types.ImageInspect
	networks   map[string]bool

	pullStream  string
	buildStream string
	builtFiles  []string
	buildOpts   types.ImageBuildOptions
	pullAuth    string

	failCreate error
	// failStart fails ContainerStart for containers created with this image.
	failStartImage string
	// exitImage makes containers of this image exit right after start.
	exitImage  string
	failRemove map[string]error

	calls []string
}

func newFakeDockerAPI() *fakeDockerAPI {
	return &fakeDockerAPI{
		containers: map[string]*fakeContainer{},
		images:     map[string]types.ImageInspect{},
		networks:   map[string]bool{},
		failRemove: map[string]error{},
	}
}

func notFound(kind, id string) error {
	return errdefs.NotFound(fmt.Errorf("no such %s: %s", kind, id))
}

func (f *fakeDockerAPI) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// lookup resolves an ID or name.
func (f *fakeDockerAPI) lookup(ref string) *fakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == ref {
			return c
		}
	}
	return nil
}

// add seeds a container and returns its ID.
func (f *fakeDockerAPI) add(name, image string, running bool, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		running: running,
		config:  &containertypes.Config{Image: image, Labels: labels},
		host:    &containertypes.HostConfig{},
	}
	return id
}

func (f *fakeDockerAPI) byName(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (f *fakeDockerAPI) ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s", refStr)
	f.pullAuth = options.RegistryAuth
	if !strings.Contains(f.pullStream, "errorDetail") {
		f.images[refStr] = types.ImageInspect{ID: "sha256:" + refStr, RepoDigests: []string{refStr + "@sha256:abc"}}
	}
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}

func (f *fakeDockerAPI) ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[image]
	if !ok {
		return types.ImageInspect{}, nil, notFound("image", image)
	}
	return img, nil, nil
}

func (f *fakeDockerAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	tr := tar.NewReader(buildContext)
	var files []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.ImageBuildResponse{}, err
		}
		files = append(files, hdr.Name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build %s", strings.Join(options.Tags, ","))
	f.builtFiles = files
	f.buildOpts = options
	if !strings.Contains(f.buildStream, "errorDetail") {
		for _, tag := range options.Tags {
			f.images[tag] = types.ImageInspect{ID: "sha256:built-" + tag}
		}
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeDockerAPI) ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi %s", image)
	for ref, img := range f.images {
		if ref == image || img.ID == image {
			delete(f.images, ref)
			return []imageapi.DeleteResponse{{Deleted: img.ID}}, nil
		}
	}
	return nil, notFound("image", image)
}

func (f *fakeDockerAPI) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := options.Filters.Get("label")
	var out []types.Container
	for _, c := range f.containers {
		match := true
		for _, w := range wanted {
			k, v, _ := strings.Cut(w, "=")
			if c.config.Labels[k] != v {
				match = false
			}
		}
		if !match || (!options.All && !c.running) {
			continue
		}
		st := "exited"
		if c.running {
			st = "running"
		}
		out = append(out, types.Container{ID: c.id, Names: []string{"/" + c.name}, Image: c.config.Image, ImageID: "sha256:" + c.config.Image, State: st, Labels: c.config.Labels})
	}
	return out, nil
}

func (f *fakeDockerAPI) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.ContainerJSON{}, err
	}
	c := f.lookup(containerID)
	if c == nil {
		return types.ContainerJSON{}, notFound("container", containerID)
	}
	st := &types.ContainerState{Running: c.running, ExitCode: c.exitCode, Status: "exited", StartedAt: "2026-10-18T10:00:00Z"}
	if c.running {
		st.Status = "running"
	}
	ns := &types.NetworkSettings{Networks: map[string]*network.EndpointSettings{}}
	ns.Ports = c.host.PortBindings
	if c.netCfg != nil {
		for n, ep := range c.netCfg.EndpointsConfig {
			ns.Networks[n] = ep
		}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: c.id, Name: "/" + c.name, Image: "sha256:" + c.config.Image, State: st, HostConfig: c.host},
		Config:            c.config,
		NetworkSettings:   ns,
	}, nil
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", containerName)
	if err := ctx.Err(); err != nil {
		return containertypes.CreateResponse{}, err
	}
	if f.failCreate != nil {
		return containertypes.CreateResponse{}, f.failCreate
	}
	if f.lookup(containerName) != nil {
		return containertypes.CreateResponse{}, errdefs.Conflict(fmt.Errorf("name %s already in use", containerName))
	}
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: containerName, config: config, host: hostConfig, netCfg: networkingConfig}
	return containertypes.CreateResponse{ID: id}, nil
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", containerID)
	if err := ctx.Err(); err != nil {
		return err
	}
	c := f.lookup(containerID)
	if c == nil {
		return notFound("container", containerID)
	}
	if f.failStartImage != "" && c.config.Image == f.failStartImage {
		return errors.New("port is already allocated")
	}
	if f.exitImage != "" && c.config.Image == f.exitImage {
		c.running = false
		c.exitCode = 1
		return nil
	}
	c.running = true
	return nil
}

func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", containerID)
	if err := ctx.Err(); err != nil {
		return err
	}
	c := f.lookup(containerID)
	if c == nil {
		return notFound("container", containerID)
	}
	c.running = false
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm %s", containerID)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.failRemove[containerID]; err != nil {
		return err
	}
	c := f.lookup(containerID)
	if c == nil {
		return notFound("container", containerID)
	}
	delete(f.containers, c.id)
	return nil
}

func (f *fakeDockerAPI) ContainerRename(ctx context.Context, containerID, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rename %s %s", containerID, newName)
	if err := ctx.Err(); err != nil {
		return err
	}
	c := f.lookup(containerID)
	if c == nil {
		return notFound("container", containerID)
	}
	if other := f.lookup(newName); other != nil && other != c {
		return errdefs.Conflict(fmt.Errorf("name %s already in use", newName))
	}
	c.name = newName
	return nil
}

func (f *fakeDockerAPI) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[networkID] {
		return network.Inspect{}, notFound("network", networkID)
	}
	return network.Inspect{Name: networkID}, nil
}

func (f *fakeDockerAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("network create %s", name)
	f.networks[name] = true
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeDockerAPI) Close() error { return nil }
