// Package index provides the per-chunk sample indexes.
//
// Both indexes are run-length encoded: one batch append produces one run,
// and every sample inside a run shares the same value (a shape or a byte
// length). Lookups walk the run list, which stays short relative to the
// sample count because batches are large.
package index
