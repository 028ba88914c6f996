// Package client is the instrumentation entry point: a TelemetryClient that
// enriches, serializes, filters and queues items, and hands delivery to the
// transmission channel.
//
// # Usage
//
//	cfg, _ := config.Load("crashrelay.yaml")
//	c, err := client.NewFromConfig(ctx, cfg, client.Dependencies{})
//	if err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//	client.SetDefault(c)
//
//	c.TrackEvent("checkout.completed", map[string]string{"cart": "3"})
//	c.TrackMetric("checkout.latency_ms", 182)
//
// Tracking never blocks on the network, never returns an error and never
// panics. Failures are logged and counted in the items_dropped_total metric.
//
// # Crashes
//
// Platform crash hooks are attached through UnhandledExceptionSource. Reports
// are handed to a capture goroutine over a bounded channel; fatal reports are
// tracked and flushed on the hook's goroutine because the process is about
// to exit. Goroutines can report their own panics with Recover:
//
//	defer c.Recover(true)
package client
