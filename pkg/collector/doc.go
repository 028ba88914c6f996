// Package collector implements a telemetry ingestion endpoint that speaks the
// same wire contract the sender uses. It backs the integration tests and the
// `crashrelay sink` development server.
//
// The collector accepts a JSON array of envelopes or newline-delimited
// envelopes, optionally gzip encoded. Every envelope is decoded and checked;
// the response is 200 when all items were accepted, 206 with per-item errors
// when some were, and 400 when none were.
//
// Faults can be injected to exercise retry paths:
//
//	c := collector.New(collector.Options{})
//	c.FailNext(2, http.StatusServiceUnavailable, 30*time.Second)
//	srv := httptest.NewServer(c)
package collector
