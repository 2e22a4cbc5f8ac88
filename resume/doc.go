// Package resume persists per-transfer progress so an interrupted download
// can continue from its last byte offset in a later call or process.
//
// The Store interface is deliberately small (Get/Put/Clear keyed by
// transfer id) so the backend is swappable without touching transfer
// logic. Two implementations are provided: MemoryStore for in-process use
// and tests, and BucketStore which writes JSON records to any
// gocloud.dev/blob bucket (local directory, object store, or memory).
//
// Staleness is a policy of the reader, not the store: the download manager
// discards records older than its configured window.
package resume
