package registry

import (
	"context"
	"os"
	"time"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// EnsureImage pulls ref (Pull always resolves the manifest and downloads only
// the layer blobs the blob store lacks), extracts any layer whose diff
// directory doesn't already exist, and returns the
// ImageRecord and per-layer LayerInfo the daemon persists.
func EnsureImage(ctx context.Context, client *Client, layout storage.Layout, blobs *storage.BlobStore, ref types.ImageRef) (types.ImageRecord, []types.LayerInfo, error) {
	pulled, err := client.Pull(ctx, ref)
	if err != nil {
		return types.ImageRecord{}, nil, err
	}

	layers := make([]types.LayerInfo, 0, len(pulled.Layers))
	var totalSize int64

	for _, desc := range pulled.Layers {
		info := types.LayerInfo{
			Digest:         desc.Digest.String(),
			CompressedSize: desc.Size,
			MediaType:      string(desc.MediaType),
			ExtractedPath:  layout.DiffPath(desc.Digest.String()),
		}

		if !diffExists(layout, desc.Digest.String()) {
			r, err := blobs.Open(desc.Digest.String())
			if err != nil {
				return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.StorageOp, err, "open layer blob")
			}
			size, err := storage.ExtractLayer(r, info.ExtractedPath)
			r.Close()
			if err != nil {
				return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.StorageOp, err, "extract layer "+desc.Digest.String())
			}
			info.ExtractedSize = size
		}

		totalSize += info.CompressedSize
		layers = append(layers, info)
	}

	layerDigests := make([]string, len(layers))
	for i, l := range layers {
		layerDigests[i] = l.Digest
	}

	record := types.ImageRecord{
		Digest:    pulled.Digest,
		Tags:      tagsFor(ref),
		Size:      totalSize,
		CreatedAt: time.Now(),
		Layers:    layerDigests,
	}
	return record, layers, nil
}

func tagsFor(ref types.ImageRef) []string {
	if ref.Tag == "" {
		return nil
	}
	return []string{ref.Format()}
}

func diffExists(layout storage.Layout, digest string) bool {
	info, err := os.Stat(layout.DiffPath(digest))
	return err == nil && info.IsDir()
}
