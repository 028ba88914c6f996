// Package channel decides when queued telemetry is sent and runs the single
// background worker that sends it.
//
// The Policy is a small state machine:
//
//	Idle --trigger--> Scheduled --begin--> Sending --success/terminal--> Idle
//	                                          |
//	                                          +--retryable--> Backoff --delay elapsed + trigger--> Scheduled
//
// A trigger is the queue reaching the flush threshold, the send interval
// timer, an explicit Flush or a Suspend signal. Flush and Suspend skip the
// threshold and any pending backoff but never run concurrently with an
// in-flight send.
//
// After the n-th consecutive failure (n starting at 0) the next send is
// delayed by min(MaxDelay, BaseDelay*2^n), raised to the collector's
// Retry-After hint when one is given.
package channel
