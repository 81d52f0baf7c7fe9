/*
Package storage is the content-addressed image layer store: compressed
blobs, their extracted diffs, per-container overlay scratch space, and an
optional composefs acceleration path.

# Layout

Layout maps digests and container IDs onto the on-disk tree:

	<root>/blobs/<algo>/<hex>          compressed layer, as pulled
	<root>/diff/<algo>/<hex>/          extracted layer contents
	<root>/composefs/<algo>/<hex>.cfs  optional prebuilt composefs image
	<root>/upper/<container-id>/       overlay upperdir
	<root>/work/<container-id>/        overlay workdir
	<root>/merged/<container-id>/      overlay mount target (container rootfs)

# Blob Store

BlobStore caches compressed layers keyed by their OCI digest. Write verifies
the stream hashes to the expected digest before the blob becomes visible
under its final path; a mismatch deletes the temp file and returns an error,
never leaving a half-written blob at a content address that doesn't match
its contents.

# Layer Extraction

ExtractLayer decompresses a gzip layer tar and extracts it, translating OCI
whiteout entries (.wh.<name>, .wh..wh..opq) into real deletions rather than
writing through the placeholder files.

# Mounting

OverlayMount assembles a container's rootfs from its image's layer diffs
(lowerdir, topmost layer first) plus a per-container upperdir/workdir. When
ComposefsAvailable reports mkcomposefs is on PATH, BuildComposefsImage can
build an erofs image of one layer's diff directory; MountComposefsImage
mounts it read-only, and that mountpoint then stands in for the layer's diff
directory among the lowerdirs.

# Garbage Collection

Reclaim removes a digest's blob and diff-store contents once its refcount
(tracked in the daemon's persisted LayerInfo records, not in this package)
has dropped to zero. ReclaimContainer removes a stopped container's overlay
scratch directories.
*/
package storage
