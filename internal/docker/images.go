package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/samber/oops"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// BuildSpec describes an image build from a local context directory.
type BuildSpec struct {
	ContextDir string
	// Dockerfile is relative to ContextDir; empty means "Dockerfile".
	Dockerfile string
	Tag        string
	Args       map[string]string
	Labels     map[string]string
}

// drainMessages consumes a pull or build progress stream and returns the
// first error the daemon reported inside it.
func drainMessages(rc io.Reader, onAux func(jsonmessage.JSONMessage)) error {
	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, onAux)
}

func (s *sdkClient) PullImage(ctx context.Context, img string) (Image, error) {
	logging.Get().Info().Str("image", img).Msg("pulling image")
	opts := imageapi.PullOptions{}
	if s.registryAuth != "" {
		opts.RegistryAuth = s.registryAuth
	}
	rc, err := s.cli.ImagePull(ctx, img, opts)
	if err != nil {
		return Image{}, oops.With("image", img).Wrapf(err, "image pull")
	}
	defer rc.Close()
	if err := drainMessages(rc, nil); err != nil {
		return Image{}, oops.With("image", img).Wrapf(err, "image pull")
	}
	out, found, err := s.LocalImage(ctx, img)
	if err != nil {
		return Image{}, err
	}
	if !found {
		return Image{}, oops.With("image", img).Errorf("image missing after pull")
	}
	logging.Get().Info().Str("image", img).Str("id", out.ID).Str("digest", out.RepoDigest).Msg("pulled image")
	return out, nil
}

func (s *sdkClient) LocalImage(ctx context.Context, img string) (Image, bool, error) {
	inspected, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Image{}, false, nil
		}
		return Image{}, false, oops.With("image", img).Wrapf(err, "inspect image")
	}
	out := Image{ID: inspected.ID}
	if len(inspected.RepoDigests) > 0 {
		out.RepoDigest = inspected.RepoDigests[0]
	}
	return out, true, nil
}

// buildExcludes reads .dockerignore from the context directory.
func buildExcludes(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}

func (s *sdkClient) BuildImage(ctx context.Context, spec BuildSpec) (Image, error) {
	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if _, err := os.Stat(filepath.Join(spec.ContextDir, dockerfile)); err != nil {
		return Image{}, fmt.Errorf("build context %s: %w", spec.ContextDir, err)
	}
	excludes, err := buildExcludes(spec.ContextDir)
	if err != nil {
		return Image{}, fmt.Errorf("read .dockerignore: %w", err)
	}
	tar, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return Image{}, fmt.Errorf("archive build context: %w", err)
	}
	defer tar.Close()

	args := make(map[string]*string, len(spec.Args))
	for k, v := range spec.Args {
		v := v
		args[k] = &v
	}
	logging.Get().Info().Str("image", spec.Tag).Str("context", spec.ContextDir).Msg("building image")
	resp, err := s.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  dockerfile,
		BuildArgs:   args,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	})
	if err != nil {
		return Image{}, oops.With("image", spec.Tag).Wrapf(err, "image build")
	}
	defer resp.Body.Close()
	if err := drainMessages(resp.Body, nil); err != nil {
		return Image{}, oops.With("image", spec.Tag).Wrapf(err, "image build")
	}
	out, found, err := s.LocalImage(ctx, spec.Tag)
	if err != nil {
		return Image{}, err
	}
	if !found {
		return Image{}, oops.With("image", spec.Tag).Errorf("image missing after build")
	}
	logging.Get().Info().Str("image", spec.Tag).Str("id", out.ID).Msg("built image")
	return out, nil
}

func (s *sdkClient) RemoveImage(ctx context.Context, imageID string) error {
	logging.Get().Info().Str("image", imageID).Msg("removing image")
	if _, err := s.cli.ImageRemove(ctx, imageID, imageapi.RemoveOptions{}); err != nil {
		return oops.With("image", imageID).Wrapf(err, "remove image")
	}
	return nil
}
