package config

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/channel"
	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/sender"
	"github.com/openfroyo/crashrelay/pkg/stores"
	"github.com/openfroyo/crashrelay/pkg/telemetry"
)

// StoreConfig returns the storage backend settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Driver: c.Storage.Driver, Path: c.Storage.Path}
}

// QueueOptions returns the queue settings.
func (c *Config) QueueOptions(logger zerolog.Logger) queue.Options {
	return queue.Options{
		MaxBytes:   c.Queue.MaxBytes,
		MaxEntries: c.Queue.MaxEntries,
		MaxAge:     c.Queue.MaxAge,
		Logger:     logger,
	}
}

// ChannelOptions returns the transmission policy and worker settings.
func (c *Config) ChannelOptions(logger zerolog.Logger) channel.Options {
	t := c.Transmission
	return channel.Options{
		Policy: channel.PolicyOptions{
			BaseDelay:      t.BaseDelay,
			MaxDelay:       t.MaxDelay,
			Jitter:         t.Jitter,
			FlushThreshold: t.FlushThreshold,
		},
		SendInterval:         t.SendInterval,
		MaxBatchItems:        t.MaxBatchItems,
		MaxBatchBytes:        t.MaxBatchBytes,
		MaxBatchesPerAttempt: t.MaxBatchesPerAttempt,
		FlushTimeout:         t.FlushTimeout,
		Endpoint:             c.Endpoint,
		Logger:               logger,
	}
}

// SenderOptions returns the HTTP sender settings.
func (c *Config) SenderOptions(logger zerolog.Logger) sender.Options {
	s := c.Sender
	return sender.Options{
		Endpoint:      c.Endpoint,
		Timeout:       s.Timeout,
		Format:        sender.Format(s.Format),
		Compress:      s.Compress,
		RatePerSecond: s.RatePerSecond,
		Burst:         s.Burst,
		Headers:       s.Headers,
		UserAgent:     s.UserAgent,
		Logger:        logger,
	}
}

// TelemetryConfig returns the self-observability settings.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	if c.Telemetry.LogOutput != "" {
		tc.Logging.Output = c.Telemetry.LogOutput
	}

	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress

	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Tracing.Enabled = c.Telemetry.TraceExporter != "" && c.Telemetry.TraceExporter != "none"
	return tc
}
