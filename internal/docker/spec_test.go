package docker

import (
	"testing"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/interpolate"
)

const workDir = "/srv/clustering_outliers"

func loadDescriptor(t *testing.T, version string) *compose.Project {
	t.Helper()
	p, err := compose.Load("../../docker-compose.yml", compose.LoadOptions{
		Lookup: interpolate.MapLookup(map[string]string{
			"VERSION":     version,
			"FLASK_ENV":   "production",
			"FLASK_DEBUG": "false",
		}),
		Required:   []string{"VERSION", "FLASK_ENV", "FLASK_DEBUG"},
		WorkingDir: workDir,
	})
	require.NoError(t, err)
	return p
}

func profileSpec(t *testing.T, version string) ServiceSpec {
	t.Helper()
	spec, err := NewServiceSpec(loadDescriptor(t, version), "profile")
	require.NoError(t, err)
	return spec
}

func TestNewServiceSpec(t *testing.T) {
	spec := profileSpec(t, "1.2.3")

	assert.Equal(t, "clustering_outliers", spec.Project)
	assert.Equal(t, "profile", spec.Service)
	assert.Equal(t, "clustering_outliers-profile-1", spec.ContainerName)
	assert.Equal(t, "opertusmundi/clustering_outliers:1.2.3", spec.Image)
	assert.NotEmpty(t, spec.ConfigHash)
	assert.Equal(t, spec.ConfigHash, spec.Labels[LabelConfigHash])
	assert.Equal(t, "clustering_outliers", spec.Labels[LabelProject])
	assert.Equal(t, "profile", spec.Labels[LabelService])

	assert.Contains(t, spec.Env, "OUTPUT_DIR=/var/local/clustering_outliers/output")
	assert.Contains(t, spec.Env, "CORS=*")
	assert.Contains(t, spec.Env, "PYTHONUNBUFFERED=1")

	require.Len(t, spec.Mounts, 4)
	for _, m := range spec.Mounts {
		assert.Equal(t, mount.TypeBind, m.Type)
	}
	assert.Equal(t, mount.Mount{
		Type:     mount.TypeBind,
		Source:   workDir + "/data/secret_key",
		Target:   "/var/local/clustering_outliers/secret_key",
		ReadOnly: true,
	}, spec.Mounts[1])
	assert.False(t, spec.Mounts[3].ReadOnly)

	port := nat.Port("5000/tcp")
	assert.Contains(t, spec.ExposedPorts, port)
	assert.Equal(t, []nat.PortBinding{{HostPort: "5000"}}, spec.PortBindings[port])
	assert.Equal(t, []string{"opertusmundi_network"}, spec.Networks)
	assert.Equal(t, containertypes.RestartPolicyUnlessStopped, spec.Restart.Name)
}

func TestServiceSpecChangesHashWithVersion(t *testing.T) {
	assert.NotEqual(t, profileSpec(t, "1.2.3").ConfigHash, profileSpec(t, "1.2.4").ConfigHash)
	assert.Equal(t, profileSpec(t, "1.2.3").ConfigHash, profileSpec(t, "1.2.3").ConfigHash)
}

func TestNewServiceSpecUnknownService(t *testing.T) {
	_, err := NewServiceSpec(loadDescriptor(t, "1"), "worker")
	require.Error(t, err)
}

func TestContainerConfigs(t *testing.T) {
	spec := profileSpec(t, "1.2.3")
	cfg, host, netCfg := spec.containerConfigs()

	assert.Equal(t, spec.Image, cfg.Image)
	assert.Equal(t, spec.Labels, cfg.Labels)
	assert.Equal(t, containertypes.NetworkMode("opertusmundi_network"), host.NetworkMode)
	assert.Len(t, host.Mounts, 4)
	require.NotNil(t, netCfg)
	ep := netCfg.EndpointsConfig["opertusmundi_network"]
	require.NotNil(t, ep)
	assert.Equal(t, []string{"profile"}, ep.Aliases)
}

func TestPublishedPorts(t *testing.T) {
	spec := profileSpec(t, "1.2.3")
	assert.Equal(t, []int{5000}, spec.PublishedPorts())

	host, port, ok := spec.HostPortFor(5000)
	require.True(t, ok)
	assert.Equal(t, "", host)
	assert.Equal(t, 5000, port)

	_, _, ok = spec.HostPortFor(8080)
	assert.False(t, ok)
}

func TestDefaultNetworkAndNamedVolume(t *testing.T) {
	p, err := compose.Parse([]byte(`
name: demo
services:
  web:
    build:
      context: .
    restart: on-failure:3
    volumes:
      - cache:/cache:nocopy
volumes:
  cache: {}
`), compose.LoadOptions{WorkingDir: "/tmp/demo"})
	require.NoError(t, err)

	spec, err := NewServiceSpec(p, "web")
	require.NoError(t, err)
	assert.Equal(t, "demo-web", spec.Image)
	assert.Equal(t, []string{"demo_default"}, spec.Networks)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, mount.TypeVolume, spec.Mounts[0].Type)
	assert.Equal(t, "demo_cache", spec.Mounts[0].Source)
	require.NotNil(t, spec.Mounts[0].VolumeOptions)
	assert.True(t, spec.Mounts[0].VolumeOptions.NoCopy)
	assert.Equal(t, containertypes.RestartPolicyOnFailure, spec.Restart.Name)
	assert.Equal(t, 3, spec.Restart.MaximumRetryCount)
}

func TestParseRestart(t *testing.T) {
	cases := []struct {
		in      string
		want    containertypes.RestartPolicyMode
		wantErr bool
	}{
		{"", containertypes.RestartPolicyUnlessStopped, false},
		{"no", containertypes.RestartPolicyDisabled, false},
		{"always", containertypes.RestartPolicyAlways, false},
		{"unless-stopped", containertypes.RestartPolicyUnlessStopped, false},
		{"on-failure", containertypes.RestartPolicyOnFailure, false},
		{"on-failure:x", "", true},
		{"sometimes", "", true},
	}
	for _, c := range cases {
		got, err := parseRestart(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got.Name, c.in)
	}
}
