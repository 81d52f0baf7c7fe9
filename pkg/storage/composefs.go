package storage

import (
	"os"
	"os/exec"
	"path/filepath"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// ComposefsAvailable reports whether the mkcomposefs binary needed to build
// accelerated image mounts is present on PATH. Callers fall back to the
// plain overlay path when it is not.
func ComposefsAvailable() bool {
	_, err := exec.LookPath("mkcomposefs")
	return err == nil
}

// BuildComposefsImage runs mkcomposefs over diffDir, producing a single
// erofs-backed image file at outPath that reproduces diffDir's tree without
// per-file overlay lookups.
func BuildComposefsImage(diffDir, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "create composefs output dir")
	}

	cmd := exec.Command("mkcomposefs", diffDir, outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "mkcomposefs failed: "+string(out))
	}
	return nil
}

// MountComposefsImage mounts the erofs image at imagePath onto mountpoint
// via a loop device.
func MountComposefsImage(imagePath, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "create mountpoint")
	}

	cmd := exec.Command("mount", "-t", "erofs", "-o", "loop", imagePath, mountpoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "mount composefs image: "+string(out))
	}
	return nil
}

// UnmountComposefsImage unmounts a composefs mountpoint created by
// MountComposefsImage.
func UnmountComposefsImage(mountpoint string) error {
	cmd := exec.Command("umount", mountpoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "unmount composefs image: "+string(out))
	}
	return nil
}
