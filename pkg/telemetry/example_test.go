package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/openfroyo/crashrelay/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).NewComponentLogger("client").Info("Client started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates JSON logging to a buffer.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, &buf)

	logger.NewComponentLogger("sender").WithEndpoint("http://collector/v2/track").Info("Collector configured")

	line := buf.String()
	fmt.Println(strings.Contains(line, `"component":"sender"`))
	fmt.Println(strings.Contains(line, `"endpoint":"http://collector/v2/track"`))
	// Output:
	// true
	// true
}

// Example_metricsCollection demonstrates recording pipeline metrics.
func Example_metricsCollection() {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   true,
		Namespace: "crashrelay",
	})
	if err != nil {
		panic(err)
	}

	metrics.RecordTracked("Event")
	metrics.SetQueue(1, 128)
	metrics.RecordSend("success", 40*time.Millisecond, 1, 0, 0)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	fmt.Println(strings.Contains(rec.Body.String(), `crashrelay_items_tracked_total{type="Event"} 1`))
	// Output: true
}
