// Package gate enforces the concurrency rules of chat generation: at most one
// generation per chat, and mutual exclusion between generations that share a
// backend worker.
//
// Invariants:
// - Acquire is atomic: two callers racing on the same chat never both win.
// - Release is idempotent.
// - Worker locks are created on first use and live for the process lifetime.
// - Waiting for a worker lock honours context cancellation.
package gate
