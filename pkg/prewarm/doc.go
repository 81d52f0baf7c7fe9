/*
Package prewarm keeps up to a global cap of ready container instances, one
channel-backed queue per fingerprint, so a launch can Claim one instead of
paying cold-start cost.

Claim/Release/Create generalize a single-image container pool to many
fingerprints sharing one size budget: Claim never blocks (returns false
rather than waiting), since a caller with no pre-warmed instance falls
back to a normal start rather than stalling on one.

Cleaner runs the periodic half of the subsystem: it evicts instances past
their TTL, then asks the predictor for images likely enough in the
lookahead window to earn a top-up instance, same ticker-driven shape as
the daemon's other periodic reconciliation loops.
*/
package prewarm
