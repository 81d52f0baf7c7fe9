package storage

import (
	"bytes"
	"io"
	"os"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreWriteAndOpen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(dir)
	require.NoError(t, err)

	content := []byte("layer contents")
	dig := digest.FromBytes(content).String()

	require.NoError(t, store.Write(dig, bytes.NewReader(content)))
	assert.True(t, store.Has(dig))

	r, err := store.Open(dig)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBlobStoreDigestMismatchLeavesNoFinalBlob(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(dir)
	require.NoError(t, err)

	wrongDigest := digest.FromBytes([]byte("something else")).String()
	err = store.Write(wrongDigest, bytes.NewReader([]byte("actual content")))
	require.Error(t, err)
	assert.False(t, store.Has(wrongDigest))

	entries, err := os.ReadDir(store.layout.Root + "/blobs")
	require.NoError(t, err)
	for _, algoDir := range entries {
		inner, err := os.ReadDir(store.layout.Root + "/blobs/" + algoDir.Name())
		require.NoError(t, err)
		for _, f := range inner {
			assert.NotContains(t, f.Name(), ".tmp-", "no temp file should survive a failed write")
		}
	}
}

func TestBlobStoreDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(dir)
	require.NoError(t, err)

	assert.NoError(t, store.Delete(digest.FromBytes([]byte("nope")).String()))
}
