package storage

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLayer(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractLayerWritesRegularFiles(t *testing.T) {
	dir := t.TempDir()
	layer := buildLayer(t, map[string]string{"hello.txt": "world"})

	n, err := ExtractLayer(layer, dir)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	content, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}

func TestExtractLayerAppliesWhiteout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "removed.txt"), []byte("x"), 0644))

	layer := buildLayer(t, map[string]string{".wh.removed.txt": ""})

	_, err := ExtractLayer(layer, dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "removed.txt"))
	assert.True(t, os.IsNotExist(err), "whiteout entry should delete the target file")
}

func TestExtractLayerRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	layer := buildLayer(t, map[string]string{"../../etc/passwd": "pwned"})

	_, err := ExtractLayer(layer, dir)
	assert.Error(t, err)
}

func TestExtractLayerOpaqueDirClearsContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "old.txt"), []byte("x"), 0644))

	layer := buildLayer(t, map[string]string{"sub/.wh..wh..opq": ""})

	_, err := ExtractLayer(layer, dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
