// Package sender posts batches of serialized telemetry to the collection
// endpoint and classifies the response.
//
// A Result tells the transmission worker what to do with every entry of the
// batch: Accepted and Rejected ids are confirmed (removed from the queue),
// Retry ids are released for a later attempt. Send never panics and never
// returns an error value on its own; transport failures are reported as a
// retryable Result.
//
// Classification:
//
//	2xx                      success
//	206 Partial Content      split per item from the response body
//	408, 429, 5xx, transport retryable (Retry-After honored)
//	other 4xx                terminal, batch dropped
package sender
