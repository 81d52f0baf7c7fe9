/*
Package checkpoint indexes CRIU checkpoint images by the ContainerSpec
fingerprint they were taken from.

Manager keeps an in-memory fingerprint -> CheckpointRecord map, backed by a
Store for persistence across restarts. Checkpoint creation is serialised
per fingerprint (a sync.Mutex per key, created on demand) so two concurrent
checkpoint requests for the same spec never race; Lookup is entirely
lock-free aside from the map's RWMutex.

Superseding an older checkpoint for the same fingerprint, or invalidating
one after a failed restore, removes its on-disk directory and persisted
record asynchronously via evict so the caller doesn't block on cleanup.

StartSweeper runs a ticker that reclaims every record whose TTL has
elapsed (default 24h), each exactly once, deleting its directory before
its record.
*/
package checkpoint
