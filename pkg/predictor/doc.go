/*
Package predictor ranks images by how likely they are to launch next, from
a rolling history of UsageEvents recorded by the daemon on every launch.

Each image and each group key gets its own fixed-capacity ring (oldest
event overwritten once full), so memory use is bounded regardless of
uptime. Predictions combines three signals per image: recency (share of
its own events within the requested window), frequency (its share of all
recorded events), and co-occurrence (how often it appears in the rings of
group keys that saw recent activity). The weights are fixed constants
documented alongside their declaration; spec.md leaves the exact weighting
unspecified, so pre-warm top-up behaviour should be read against the three
signals individually, not the absolute scores.

SaveTo and LoadFrom persist the rings as JSON through PersistStore, the
interface *daemon.Store's SavePredictorState/LoadPredictorState satisfy,
so history survives a daemon restart.
*/
package predictor
