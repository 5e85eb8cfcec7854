package storage

// Package storage persists recurrence rules and the live-stream records
// materialized from them.
//
// The store enforces the scheduler's one invariant that matters: at most
// one stream per (rule, scheduled start) pair. CreateStreamIfAbsent is
// the only write path for materialized streams and behaves as an atomic
// create-or-ignore, so concurrent materialization runs cannot race a
// duplicate into existence.
