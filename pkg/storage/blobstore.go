package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// BlobStore is the content-addressed cache of compressed layer blobs a pull
// writes into and a layer extraction reads back out of.
type BlobStore struct {
	layout Layout
}

// NewBlobStore creates a BlobStore rooted at root, creating the blobs
// directory if absent.
func NewBlobStore(root string) (*BlobStore, error) {
	layout := NewLayout(root)
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0755); err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "create blob store")
	}
	return &BlobStore{layout: layout}, nil
}

// Has reports whether digest is already cached.
func (b *BlobStore) Has(dig string) bool {
	_, err := os.Stat(b.layout.BlobPath(dig))
	return err == nil
}

// Path returns the on-disk path of a cached blob.
func (b *BlobStore) Path(dig string) string {
	return b.layout.BlobPath(dig)
}

// Open returns a reader over a cached blob.
func (b *BlobStore) Open(dig string) (io.ReadCloser, error) {
	f, err := os.Open(b.layout.BlobPath(dig))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hberrors.ErrNotFound("blob", dig)
		}
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "open blob")
	}
	return f, nil
}

// Write streams src into the blob store under expectedDigest, verifying the
// written bytes hash to expectedDigest before the blob is made visible under
// its final name. A digest mismatch deletes the temp file and returns a
// StorageOp error; nothing partially written is ever left under the final
// path.
func (b *BlobStore) Write(expectedDigest string, src io.Reader) error {
	dig, err := digest.Parse(expectedDigest)
	if err != nil {
		return hberrors.ErrInvalidSpec("digest", err.Error())
	}

	finalPath := b.layout.BlobPath(expectedDigest)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "create blob dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "create temp blob")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	verifier := dig.Verifier()
	if _, err := io.Copy(tmp, io.TeeReader(src, verifier)); err != nil {
		return hberrors.Wrap(hberrors.Io, err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		return hberrors.Wrap(hberrors.Io, err, "close temp blob")
	}

	if !verifier.Verified() {
		return hberrors.ErrStorageOp(fmt.Sprintf("digest mismatch for %s", expectedDigest))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "finalize blob")
	}
	cleanup = false
	return nil
}

// Delete removes a cached blob. Missing blobs are not an error.
func (b *BlobStore) Delete(dig string) error {
	if err := os.Remove(b.layout.BlobPath(dig)); err != nil && !os.IsNotExist(err) {
		return hberrors.Wrap(hberrors.StorageOp, err, "delete blob")
	}
	return nil
}
