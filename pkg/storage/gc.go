package storage

import (
	"os"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// Reclaim deletes the blob and diff-store contents for every digest in
// unreferenced. Callers are responsible for having already confirmed
// refcount has dropped to zero (tracked in the daemon's persisted
// LayerInfo, not here) before calling this; Reclaim itself performs no
// reference counting, only the filesystem removal.
func Reclaim(layout Layout, unreferenced []string) error {
	for _, digest := range unreferenced {
		if err := os.RemoveAll(layout.DiffPath(digest)); err != nil {
			return hberrors.Wrap(hberrors.StorageOp, err, "reclaim diff path")
		}
		if err := os.Remove(layout.BlobPath(digest)); err != nil && !os.IsNotExist(err) {
			return hberrors.Wrap(hberrors.StorageOp, err, "reclaim blob path")
		}
	}
	return nil
}

// ReclaimContainer removes a container's overlay scratch directories
// (upper, work, merged) after it has been stopped and unmounted.
func ReclaimContainer(layout Layout, containerID string) error {
	for _, dir := range []string{layout.UpperDir(containerID), layout.WorkDir(containerID), layout.MergedDir(containerID)} {
		if err := os.RemoveAll(dir); err != nil {
			return hberrors.Wrap(hberrors.StorageOp, err, "reclaim container scratch dir")
		}
	}
	return nil
}
