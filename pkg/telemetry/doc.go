// Package telemetry provides self-observability for crashrelay: structured
// logging (zerolog), Prometheus metrics about the queue and delivery
// pipeline, and OpenTelemetry spans around every batch send.
//
// This is distinct from the telemetry crashrelay relays for the host
// application; it describes crashrelay itself.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	addr, err := tel.StartMetricsServer()
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("channel")
//	logger.WithEndpoint(url).Info("Collector configured")
//
// Library packages accept a zerolog.Logger; pass tel.Logger.Zerolog().
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Metrics
//
// All metrics are namespaced (default "crashrelay"):
//
//   - items_tracked_total{type}
//   - items_dropped_total{reason}: filtered, storage, evicted, rejected, disabled, panic
//   - exceptions_captured_total{result}
//   - queue_entries, queue_bytes
//   - queue_evictions_total{reason}
//   - send_attempts_total{outcome}, send_duration_seconds{outcome}
//   - items_sent_total{result}: accepted, rejected, retry
//   - backoff_seconds
//
// A nil *Metrics and a Metrics built with Enabled=false are valid and record
// nothing.
//
// # Tracing
//
// Each delivery attempt runs in a "channel.send" span carrying the batch
// size, collector endpoint, HTTP status and per-item outcome counts.
// Exporters: otlp (gRPC), stdout, none.
package telemetry
