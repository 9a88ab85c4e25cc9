// Package registry resolves image version policies against a registry's
// tags and checks that references are pullable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/samber/oops"
)

type Resolver struct {
	keychain authn.Keychain
	// auth overrides the keychain when static credentials are configured.
	auth authn.Authenticator
	// NameOptions are applied when parsing references (e.g. name.Insecure).
	NameOptions []name.Option
}

func NewResolver() *Resolver {
	return &Resolver{
		keychain: authn.DefaultKeychain,
	}
}

// WithCredentials makes the resolver authenticate with a static
// username and password instead of the docker config keychain.
func (r *Resolver) WithCredentials(user, pass string) *Resolver {
	if user != "" {
		r.auth = authn.FromConfig(authn.AuthConfig{Username: user, Password: pass})
	}
	return r
}

func (r *Resolver) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		return append(opts, remote.WithAuth(r.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(r.keychain))
}

// bareVersion matches tags like "1" or "1.2" that parse as constraints but
// are published as literal tags.
var bareVersion = regexp.MustCompile(`^v?[0-9]+(\.[0-9]+){0,2}$`)

// IsPolicy reports whether version is a semver constraint such as "^1.2"
// or "1.x" rather than a concrete tag.
func IsPolicy(version string) bool {
	if version == "" || version == "latest" || bareVersion.MatchString(version) {
		return false
	}
	if _, err := mvc.StrictNewVersion(strings.TrimPrefix(version, "v")); err == nil {
		return false
	}
	_, err := parseConstraint(version)
	return err == nil
}

// SplitImage separates an image reference into repository and tag. The
// tag may be a version policy that is not a valid reference tag.
func SplitImage(image string) (repo, tag string) {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	slash := strings.LastIndex(image, "/")
	if colon := strings.LastIndex(image, ":"); colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, ""
}

// Resolve returns the best matching image reference for the policy.
// image: "opertusmundi/clustering_outliers" (any tag is ignored)
// policy: "1.x" or "^1.2"
// Returns: "opertusmundi/clustering_outliers:1.4.0" (if 1.4.0 is the highest match)
func (r *Resolver) Resolve(ctx context.Context, image string, policy string) (string, error) {
	constraint, err := parseConstraint(policy)
	if err != nil {
		return "", err
	}
	base, _ := SplitImage(image)
	repo, err := r.parseRepo(base)
	if err != nil {
		return "", err
	}
	tags, err := remote.List(repo, r.remoteOptions(ctx)...)
	if err != nil {
		return "", oops.With("repository", repo.Name()).Wrapf(err, "failed to list tags")
	}
	tag, err := selectHighestTag(tags, constraint)
	if err != nil {
		return "", fmt.Errorf("%s: %w", repo.Name(), err)
	}
	return base + ":" + tag, nil
}

// Digest returns the manifest digest of image without pulling it.
func (r *Resolver) Digest(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image, r.NameOptions...)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	desc, err := remote.Head(ref, r.remoteOptions(ctx)...)
	if err != nil {
		return "", oops.With("image", image).Wrapf(err, "failed to fetch manifest")
	}
	return desc.Digest.String(), nil
}

// Exists reports whether the registry serves a manifest for image.
func (r *Resolver) Exists(ctx context.Context, image string) (bool, error) {
	_, err := r.Digest(ctx, image)
	if err == nil {
		return true, nil
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func parseConstraint(policy string) (*mvc.Constraints, error) {
	c, err := mvc.NewConstraint(policy)
	if err != nil {
		return nil, fmt.Errorf("invalid semver policy %q: %w", policy, err)
	}
	return c, nil
}

func (r *Resolver) parseRepo(image string) (name.Repository, error) {
	repo, err := name.NewRepository(image, r.NameOptions...)
	if err != nil {
		return name.Repository{}, fmt.Errorf("invalid image repository %q: %w", image, err)
	}
	return repo, nil
}

// selectHighestTag picks the highest semver tag satisfying c, returning
// the tag exactly as the registry spells it (e.g. with a "v" prefix).
func selectHighestTag(tags []string, c *mvc.Constraints) (string, error) {
	var versions []*mvc.Version
	original := make(map[*mvc.Version]string)
	for _, t := range tags {
		v, err := mvc.NewVersion(t)
		if err != nil {
			continue // "latest", "alpine", ...
		}
		if c.Check(v) {
			versions = append(versions, v)
			original[v] = t
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no tags match policy %q", c.String())
	}
	sort.Sort(mvc.Collection(versions))
	return original[versions[len(versions)-1]], nil
}
