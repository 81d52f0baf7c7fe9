package storage

import (
	"os"
	"strings"
	"syscall"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// OverlayMount mounts lowerdirs (image layer directories) with upperdir and
// workdir onto merged, giving a writable rootfs view. lowerdirs must be
// non-empty and ordered with the topmost layer first, matching the overlay
// kernel driver's lowerdir option order.
func OverlayMount(lowerdirs []string, upperdir, workdir, merged string) error {
	if len(lowerdirs) == 0 {
		return hberrors.ErrInvalidSpec("lowerdirs", "at least one lower layer is required")
	}

	for _, dir := range []string{upperdir, workdir, merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return hberrors.Wrap(hberrors.StorageOp, err, "create overlay dir")
		}
	}

	opts := "lowerdir=" + strings.Join(lowerdirs, ":") + ",upperdir=" + upperdir + ",workdir=" + workdir
	if err := syscall.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "mount overlay")
	}
	return nil
}

// OverlayUnmount lazily unmounts merged, tolerating an already-unmounted
// target.
func OverlayUnmount(merged string) error {
	if err := syscall.Unmount(merged, syscall.MNT_DETACH); err != nil && err != syscall.EINVAL && err != syscall.ENOENT {
		return hberrors.Wrap(hberrors.StorageOp, err, "unmount overlay")
	}
	return nil
}
