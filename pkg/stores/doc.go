// Package stores provides the durable key/value backends that hold queued
// telemetry entries: one file per entry in a directory, a SQLite table, or an
// in-process map for tests and ephemeral use.
package stores
