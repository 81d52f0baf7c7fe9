/*
Package registry is the OCI distribution-spec client: manifest resolution
(including multi-platform manifest lists), bearer token exchange, and
digest-verified blob fetches into pkg/storage's content-addressed cache.

# Auth

Client requests start anonymous; on a 401 it parses the Www-Authenticate
challenge, exchanges it for a token at the realm the server names, and
caches that token per (registry host, repository) until it expires. This
mirrors how Docker Hub and most v2-spec registries gate anonymous pulls.

# Pull

Pull resolves ref's manifest (descending through a manifest list to a
linux/amd64 or linux/arm64 entry when the registry serves one), decodes its
config, and ensures every layer blob is present in the blob store -
downloads skip blobs the store already has. EnsureImage goes one step
further, also extracting any layer whose diff directory doesn't yet exist,
producing the ImageRecord and LayerInfo values the daemon persists.

Extraction and mounting code lives in pkg/storage. This package writes to
disk through the blob store and, in EnsureImage, through
storage.ExtractLayer into each layer's diff directory.
*/
package registry
