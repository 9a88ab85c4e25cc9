package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/health"
)

// fakeClient is an in-memory docker.Client.
type fakeClient struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*docker.Container
	images     map[string]docker.Image
	networks   map[string]bool

	pullErr     error
	buildErr    error
	recreateErr error
	networkErr  error

	built    []docker.BuildSpec
	pulled   []string
	removed  []string
	rmImages []string
	ensured  []string
	calls    []string
	recovers int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: map[string]*docker.Container{},
		images:     map[string]docker.Image{},
		networks:   map[string]bool{},
	}
}

func (f *fakeClient) call(s string) { f.calls = append(f.calls, s) }

func (f *fakeClient) EnsureNetwork(ctx context.Context, name string, external bool, driver string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, fmt.Sprintf("%s external=%t", name, external))
	if f.networkErr != nil {
		return f.networkErr
	}
	f.networks[name] = true
	return nil
}

func (f *fakeClient) PullImage(ctx context.Context, image string) (docker.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("pull")
	f.pulled = append(f.pulled, image)
	if f.pullErr != nil {
		return docker.Image{}, f.pullErr
	}
	img := docker.Image{ID: "sha256:pulled-" + image}
	f.images[image] = img
	return img, nil
}

func (f *fakeClient) LocalImage(ctx context.Context, image string) (docker.Image, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[image]
	return img, ok, nil
}

func (f *fakeClient) BuildImage(ctx context.Context, spec docker.BuildSpec) (docker.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("build")
	f.built = append(f.built, spec)
	if f.buildErr != nil {
		return docker.Image{}, f.buildErr
	}
	img := docker.Image{ID: "sha256:built-" + spec.Tag}
	f.images[spec.Tag] = img
	return img, nil
}

func (f *fakeClient) RemoveImage(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmImages = append(f.rmImages, imageID)
	return nil
}

// seed adds an existing container.
func (f *fakeClient) seed(c docker.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ID] = &c
}

func (f *fakeClient) FindServiceContainer(ctx context.Context, project, service string) (*docker.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.sorted() {
		if c.Labels[docker.LabelProject] == project && c.Labels[docker.LabelService] == service && c.Name != "" && !isParked(c.Name) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func isParked(name string) bool { return strings.Contains(name, "-old-") }

func (f *fakeClient) sorted() []*docker.Container {
	out := make([]*docker.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeClient) ListProjectContainers(ctx context.Context, project string) ([]docker.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.Container
	for _, c := range f.sorted() {
		if c.Labels[docker.LabelProject] == project {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeClient) store(spec docker.ServiceSpec) string {
	f.seq++
	id := fmt.Sprintf("new%d", f.seq)
	f.containers[id] = &docker.Container{
		ID:      id,
		Name:    spec.ContainerName,
		Image:   spec.Image,
		ImageID: f.images[spec.Image].ID,
		State:   "running",
		Labels:  spec.Labels,
	}
	return id
}

func (f *fakeClient) CreateService(ctx context.Context, spec docker.ServiceSpec, opts docker.RecreateOptions) (string, error) {
	f.mu.Lock()
	f.call("create")
	id := f.store(spec)
	f.mu.Unlock()
	if opts.Verify != nil {
		if err := opts.Verify(ctx, id); err != nil {
			f.mu.Lock()
			delete(f.containers, id)
			f.mu.Unlock()
			return "", err
		}
	}
	return id, nil
}

func (f *fakeClient) Recreate(ctx context.Context, old docker.Container, spec docker.ServiceSpec, opts docker.RecreateOptions) (string, error) {
	f.mu.Lock()
	f.call("recreate")
	if f.recreateErr != nil {
		f.mu.Unlock()
		return "", f.recreateErr
	}
	delete(f.containers, old.ID)
	id := f.store(spec)
	f.mu.Unlock()
	if opts.Verify != nil {
		if err := opts.Verify(ctx, id); err != nil {
			return "", fmt.Errorf("%w: %w", docker.ErrRolledBack, err)
		}
	}
	return id, nil
}

func (f *fakeClient) StartService(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.State = "running"
	}
	return nil
}

func (f *fakeClient) StopService(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("stop " + containerID)
	if c, ok := f.containers[containerID]; ok {
		c.State = "exited"
	}
	return nil
}

func (f *fakeClient) RemoveService(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	delete(f.containers, containerID)
	return nil
}

func (f *fakeClient) Inspect(ctx context.Context, containerID string) (docker.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return docker.ServiceStatus{}, fmt.Errorf("no such container: %s", containerID)
	}
	return docker.ServiceStatus{
		ID:         c.ID,
		Name:       c.Name,
		Image:      c.Image,
		ImageID:    c.ImageID,
		State:      c.State,
		ConfigHash: c.ConfigHash(),
	}, nil
}

func (f *fakeClient) RecoverStale(ctx context.Context, project, service string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovers++
	return 0, nil
}

func (f *fakeClient) Close() error { return nil }

// fakeProber answers every probe with result.
type fakeProber struct {
	mu     sync.Mutex
	result health.Result
	err    error
	urls   []string
	// onWait runs before WaitHealthy answers.
	onWait func()
}

func healthyResult() health.Result {
	return health.Result{Healthy: true, StatusCode: 200, Status: health.StatusOK}
}

func (p *fakeProber) Probe(ctx context.Context, url string) (health.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	return p.result, p.err
}

func (p *fakeProber) WaitHealthy(ctx context.Context, url string, timeout, interval time.Duration) (health.Result, error) {
	if p.onWait != nil {
		p.onWait()
	}
	if err := ctx.Err(); err != nil {
		return health.Result{}, err
	}
	res, err := p.Probe(ctx, url)
	if err == nil && !res.Healthy {
		err = fmt.Errorf("%w after %s: %s", health.ErrTimeout, timeout, res)
	}
	return res, err
}

type fakeResolver struct {
	resolved  string
	policies  []string
	exists    bool
	existsErr error
	looked    []string
}

func (r *fakeResolver) Exists(ctx context.Context, image string) (bool, error) {
	r.looked = append(r.looked, image)
	return r.exists, r.existsErr
}

func (r *fakeResolver) Resolve(ctx context.Context, image, policy string) (string, error) {
	r.policies = append(r.policies, policy)
	return r.resolved, nil
}

// recordingProvider keeps every message and whether its context was
// already done when it arrived.
type recordingProvider struct {
	mu     sync.Mutex
	titles []string
	errs   []error
}

func (r *recordingProvider) Name() string { return "recording" }

func (r *recordingProvider) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.errs = append(r.errs, ctx.Err())
	return nil
}
