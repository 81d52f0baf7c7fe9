// Package registry fetches images from an OCI distribution-spec registry:
// bearer token exchange, manifest/config/layer GETs with local caching, and
// digest-verified streaming blob writes via pkg/storage.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	acceptHeader = mediaTypeDockerManifest + ", " +
		specs.MediaTypeImageManifest + ", " +
		mediaTypeDockerManifestList + ", " +
		specs.MediaTypeImageIndex
)

// Client fetches manifests, configs and layers from a remote registry,
// caching blobs in a BlobStore and tokens per (host, repository).
type Client struct {
	httpClient *http.Client
	blobs      *storage.BlobStore
	tokens     *tokenCache
}

// NewClient returns a Client writing fetched blobs into blobs.
func NewClient(blobs *storage.BlobStore) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		blobs:      blobs,
		tokens:     newTokenCache(),
	}
}

// resolveManifest fetches ref's manifest, following a manifest list down to
// the linux/amd64 (or linux/arm64) entry when present.
func (c *Client) resolveManifest(ctx context.Context, ref types.ImageRef) (specs.Manifest, digest.Digest, error) {
	body, mt, err := c.getManifestBytes(ctx, ref, refSelector(ref))
	if err != nil {
		return specs.Manifest{}, "", err
	}

	if mt == mediaTypeDockerManifestList || mt == specs.MediaTypeImageIndex {
		var index specs.Index
		if err := json.Unmarshal(body, &index); err != nil {
			return specs.Manifest{}, "", hberrors.Wrap(hberrors.Serialization, err, "decode manifest index")
		}
		desc, err := pickPlatform(index.Manifests)
		if err != nil {
			return specs.Manifest{}, "", err
		}
		body, _, err = c.getManifestBytes(ctx, ref, desc.Digest.String())
		if err != nil {
			return specs.Manifest{}, "", err
		}
	}

	var manifest specs.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return specs.Manifest{}, "", hberrors.Wrap(hberrors.Serialization, err, "decode manifest")
	}
	return manifest, digest.FromBytes(body), nil
}

func refSelector(ref types.ImageRef) string {
	if ref.Digest != "" {
		return ref.Digest
	}
	return ref.Tag
}

func pickPlatform(manifests []specs.Descriptor) (specs.Descriptor, error) {
	for _, m := range manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.OS == "linux" && (m.Platform.Architecture == "amd64" || m.Platform.Architecture == "arm64") {
			return m, nil
		}
	}
	if len(manifests) > 0 {
		return manifests[0], nil
	}
	return specs.Descriptor{}, hberrors.New(hberrors.NotFound, "no platform manifest in index")
}

func (c *Client) getManifestBytes(ctx context.Context, ref types.ImageRef, selector string) ([]byte, string, error) {
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.Registry, ref.Repository, selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", hberrors.Wrap(hberrors.Internal, err, "build manifest request")
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.doAuthed(req, ref)
	if err != nil {
		return nil, "", hberrors.Wrap(hberrors.RuntimeExecFailed, err, "fetch manifest")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", hberrors.ErrNotFound("image", ref.Format())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", hberrors.New(hberrors.RuntimeExecFailed, fmt.Sprintf("registry returned %d for manifest %s", resp.StatusCode, ref.Format()))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", hberrors.Wrap(hberrors.Io, err, "read manifest body")
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// getConfig fetches and decodes an image's config blob.
func (c *Client) getConfig(ctx context.Context, ref types.ImageRef, desc specs.Descriptor) (specs.Image, error) {
	b, err := c.fetchBlob(ctx, ref, desc)
	if err != nil {
		return specs.Image{}, err
	}
	var cfg specs.Image
	if err := json.Unmarshal(b, &cfg); err != nil {
		return specs.Image{}, hberrors.Wrap(hberrors.Serialization, err, "decode image config")
	}
	return cfg, nil
}

// fetchBlob returns a digest-verified blob's full contents, serving from
// the local cache when present.
func (c *Client) fetchBlob(ctx context.Context, ref types.ImageRef, desc specs.Descriptor) ([]byte, error) {
	if c.blobs.Has(desc.Digest.String()) {
		r, err := c.blobs.Open(desc.Digest.String())
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}

	if err := c.downloadBlob(ctx, ref, desc); err != nil {
		return nil, err
	}
	r, err := c.blobs.Open(desc.Digest.String())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// downloadBlob streams desc into the blob store, verifying its digest.
func (c *Client) downloadBlob(ctx context.Context, ref types.ImageRef, desc specs.Descriptor) error {
	url := fmt.Sprintf("https://%s/v2/%s/blobs/%s", ref.Registry, ref.Repository, desc.Digest.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "build blob request")
	}

	resp, err := c.doAuthed(req, ref)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "fetch blob "+desc.Digest.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return hberrors.New(hberrors.RuntimeExecFailed, fmt.Sprintf("registry returned %d for blob %s", resp.StatusCode, desc.Digest.String()))
	}

	return c.blobs.Write(desc.Digest.String(), resp.Body)
}

// PulledImage is the result of a successful Pull: its manifest digest,
// config, and the layer descriptors bottom-up.
type PulledImage struct {
	Digest string
	Config specs.Image
	Layers []specs.Descriptor
}

// Pull resolves ref's manifest and config and ensures every layer blob is
// present in the local blob store, without extracting them. Extraction is
// pkg/storage's job, driven by the daemon so it can GC-track refcounts.
func (c *Client) Pull(ctx context.Context, ref types.ImageRef) (PulledImage, error) {
	manifest, manifestDigest, err := c.resolveManifest(ctx, ref)
	if err != nil {
		return PulledImage{}, err
	}

	cfg, err := c.getConfig(ctx, ref, manifest.Config)
	if err != nil {
		return PulledImage{}, err
	}

	for _, layer := range manifest.Layers {
		if c.blobs.Has(layer.Digest.String()) {
			metrics.LazyLoadHitsTotal.Inc()
			continue
		}
		metrics.LazyLoadMissesTotal.Inc()
		if err := c.downloadBlob(ctx, ref, layer); err != nil {
			return PulledImage{}, err
		}
	}

	return PulledImage{Digest: manifestDigest.String(), Config: cfg, Layers: manifest.Layers}, nil
}
