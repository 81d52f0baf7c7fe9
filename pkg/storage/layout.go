package storage

import (
	"path/filepath"
	"strings"
)

// Layout is the on-disk directory structure for the content-addressed
// layer store: compressed blobs, their extracted diffs, and the per
// container overlay scratch space.
//
//	<root>/blobs/<algo>/<hex>          compressed layer blob, as pulled
//	<root>/diff/<algo>/<hex>/          extracted layer contents
//	<root>/upper/<container-id>/       overlay upperdir
//	<root>/work/<container-id>/        overlay workdir
//	<root>/merged/<container-id>/      overlay mount target (rootfs)
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root.
func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) splitDigest(digest string) (algo, hex string) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return "sha256", digest
	}
	return parts[0], parts[1]
}

// BlobPath returns the path a compressed layer blob is stored at.
func (l Layout) BlobPath(digest string) string {
	algo, hex := l.splitDigest(digest)
	return filepath.Join(l.Root, "blobs", algo, hex)
}

// DiffPath returns the directory a layer's extracted contents live under.
func (l Layout) DiffPath(digest string) string {
	algo, hex := l.splitDigest(digest)
	return filepath.Join(l.Root, "diff", algo, hex)
}

// UpperDir returns a container's overlay upperdir.
func (l Layout) UpperDir(containerID string) string {
	return filepath.Join(l.Root, "upper", containerID)
}

// WorkDir returns a container's overlay workdir.
func (l Layout) WorkDir(containerID string) string {
	return filepath.Join(l.Root, "work", containerID)
}

// MergedDir returns a container's overlay mount target.
func (l Layout) MergedDir(containerID string) string {
	return filepath.Join(l.Root, "merged", containerID)
}

// ComposefsPath returns the path the composefs image file built from the
// layer with this digest is stored at, under <root>/composefs.
func (l Layout) ComposefsPath(digest string) string {
	algo, hex := l.splitDigest(digest)
	return filepath.Join(l.Root, "composefs", algo, hex+".cfs")
}
