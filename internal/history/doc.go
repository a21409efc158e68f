// Package history keeps the append-only timeline of shadow versions.
//
// History lives apart from the live shadow record: the shadow store hands
// snapshots to a Recorder, which buffers and batch-writes them to its own
// Store. A history outage or slow flush therefore never blocks or fails a
// shadow write, and the live document stays small regardless of how much
// timeline accumulates.
//
// Retention is bounded two ways, both optional: by entry age and by
// per-device entry count. Pruning runs on a timer owned by the
// application, not by this package.
package history
