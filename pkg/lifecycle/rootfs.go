package lifecycle

import (
	"path/filepath"
	"strings"

	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// stageRootfs assembles a container's root filesystem as an overlay of its
// image layers, topmost first, accelerating whichever layers composefs can
// serve and falling back silently to the plain extracted diff directory
// for the rest. The returned rollback unmounts and releases everything
// stageRootfs built, for use by coldStart's failure unwind.
func (c *Coordinator) stageRootfs(id types.ContainerId, layers []types.LayerInfo) (string, func(), error) {
	lowerdirs := make([]string, 0, len(layers))
	var usedComposefs []string

	for i := len(layers) - 1; i >= 0; i-- {
		lowerdirs = append(lowerdirs, c.layerLowerdir(layers[i], &usedComposefs))
	}

	merged := c.layout.MergedDir(id.String())
	upper := c.layout.UpperDir(id.String())
	work := c.layout.WorkDir(id.String())

	if err := storage.OverlayMount(lowerdirs, upper, work, merged); err != nil {
		c.releaseComposefsLayers(usedComposefs)
		return "", nil, err
	}

	rollback := func() {
		if err := storage.OverlayUnmount(merged); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("rollback: overlay unmount failed")
		}
		c.releaseComposefsLayers(usedComposefs)
		if err := storage.ReclaimContainer(c.layout, id.String()); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("rollback: reclaim scratch dirs failed")
		}
	}
	return merged, rollback, nil
}

// layerLowerdir returns the directory a single layer should contribute to
// the overlay lowerdir stack: a composefs mount when the host supports it
// and the build succeeds, the plain extracted diff directory otherwise.
// On composefs success the digest is appended to used so the caller can
// release the mount's refcount later.
func (c *Coordinator) layerLowerdir(layer types.LayerInfo, used *[]string) string {
	if !storage.ComposefsAvailable() {
		return layer.ExtractedPath
	}
	dir, err := c.ensureComposefsLayer(layer)
	if err != nil {
		c.logger.Warn().Err(err).Str("digest", layer.Digest).Msg("composefs acceleration unavailable for layer, falling back to overlay")
		return layer.ExtractedPath
	}
	*used = append(*used, layer.Digest)
	return dir
}

func (c *Coordinator) cfsMountpoint(digest string) string {
	return filepath.Join(c.layout.Root, "cfsmount", strings.ReplaceAll(digest, ":", "_"))
}

// ensureComposefsLayer lazily builds and mounts the composefs image for
// one layer's diff directory, sharing the mount across containers that
// reference the same layer concurrently via a refcount.
func (c *Coordinator) ensureComposefsLayer(layer types.LayerInfo) (string, error) {
	c.cfsMu.Lock()
	defer c.cfsMu.Unlock()

	if m, ok := c.cfsMounts[layer.Digest]; ok {
		m.refcount++
		return m.mountpoint, nil
	}

	imagePath := c.layout.ComposefsPath(layer.Digest)
	if err := storage.BuildComposefsImage(layer.ExtractedPath, imagePath); err != nil {
		return "", err
	}

	mountpoint := c.cfsMountpoint(layer.Digest)
	if err := storage.MountComposefsImage(imagePath, mountpoint); err != nil {
		return "", err
	}

	c.cfsMounts[layer.Digest] = &cfsMount{mountpoint: mountpoint, refcount: 1}
	return mountpoint, nil
}

// releaseComposefsLayer drops one reference on digest's composefs mount,
// unmounting it once the last referencing container is gone.
func (c *Coordinator) releaseComposefsLayer(digest string) {
	c.cfsMu.Lock()
	defer c.cfsMu.Unlock()

	m, ok := c.cfsMounts[digest]
	if !ok {
		return
	}
	m.refcount--
	if m.refcount > 0 {
		return
	}
	delete(c.cfsMounts, digest)
	if err := storage.UnmountComposefsImage(m.mountpoint); err != nil {
		c.logger.Warn().Err(err).Str("digest", digest).Msg("composefs unmount failed")
	}
}

func (c *Coordinator) releaseComposefsLayers(digests []string) {
	for _, d := range digests {
		c.releaseComposefsLayer(d)
	}
}
