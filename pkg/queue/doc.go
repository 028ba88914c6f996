// Package queue implements the durable FIFO buffer that sits between the
// telemetry client and the transmission worker.
//
// Every entry is persisted to a stores.Backend before Append returns, so
// items survive process termination and are reloaded by Open on the next
// start. An entry is either available or in flight: TakeBatch moves the
// oldest available entries in flight, Confirm deletes them after a
// successful (or terminally rejected) send and Release returns them to the
// head of the queue for a later retry.
//
// The queue is bounded by total bytes and, optionally, by entry count and
// age. When a bound is exceeded the oldest entries are evicted, including
// entries that are in flight.
package queue
