package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/channel"
	"github.com/openfroyo/crashrelay/pkg/config"
	"github.com/openfroyo/crashrelay/pkg/enrich"
	"github.com/openfroyo/crashrelay/pkg/policy"
	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/sender"
	"github.com/openfroyo/crashrelay/pkg/stores"
	"github.com/openfroyo/crashrelay/pkg/telemetry"
)

// Dependencies are optional collaborators supplied by the host.
type Dependencies struct {
	// Telemetry is the self-observability bundle. One is created from the
	// configuration, and shut down by Close, when nil.
	Telemetry *telemetry.Telemetry

	// ContextProvider supplies device metadata copied onto every item.
	ContextProvider enrich.ContextProvider

	// Initializers run after the configured ones.
	Initializers []enrich.Initializer

	// HTTPClient overrides the sender's HTTP client.
	HTTPClient *http.Client
}

// NewFromConfig opens storage, builds the pipeline described by cfg and
// starts the transmission worker.
func NewFromConfig(ctx context.Context, cfg *config.Config, deps Dependencies) (_ *Client, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// owned is released by Close; cleanup also covers the queue on failure.
	var owned, cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	tel := deps.Telemetry
	if tel == nil {
		tel, err = telemetry.NewTelemetry(cfg.TelemetryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		if cfg.Telemetry.MetricsAddress != "" {
			if _, err = tel.StartMetricsServer(); err != nil {
				_ = tel.Shutdown(ctx)
				return nil, fmt.Errorf("failed to start metrics server: %w", err)
			}
		}
		shutdown := func() error { return tel.Shutdown(context.Background()) }
		owned = append(owned, shutdown)
		cleanup = append(cleanup, shutdown)
	}
	logger := tel.Logger.Zerolog()

	backend, err := stores.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	owned = append(owned, backend.Close)
	cleanup = append(cleanup, backend.Close)

	qopts := cfg.QueueOptions(logger)
	qopts.OnEvict = func(n int, reason string) {
		tel.Metrics.RecordEviction(n, reason)
	}
	q, err := queue.Open(ctx, backend, qopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	cleanup = append(cleanup, q.Close)

	sopts := cfg.SenderOptions(logger)
	sopts.Client = deps.HTTPClient
	s, err := sender.New(sopts)
	if err != nil {
		return nil, err
	}

	copts := cfg.ChannelOptions(logger)
	copts.Metrics = tel.Metrics
	copts.Tracer = tel.Tracer
	ch := channel.New(q, s, copts)

	inits, err := initializers(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	var filter Filter
	if cfg.Filter.Enabled {
		engine, loader, err := buildFilter(ctx, cfg.Filter, tel)
		if err != nil {
			return nil, err
		}
		filter = engine
		if loader != nil {
			owned = append(owned, loader.StopWatching)
			cleanup = append(cleanup, loader.StopWatching)
		}
	}

	c := New(q, ch, Options{
		InstrumentationKey: cfg.InstrumentationKey,
		Initializers:       inits,
		Filter:             filter,
		DeveloperMode:      cfg.DeveloperMode,
		Logger:             logger,
		Metrics:            tel.Metrics,
	})
	// Close closes the queue itself; the rest is released in reverse order.
	for _, fn := range owned {
		c.onClose(fn)
	}
	c.SetEnabled(cfg.Enabled)

	stats := q.Stats()
	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("storage", cfg.Storage.Driver).
		Int("pending", stats.Len()).
		Bool("filter", filter != nil).
		Msg("Telemetry client started")
	return c, nil
}

func initializers(cfg *config.Config, deps Dependencies, logger zerolog.Logger) ([]enrich.Initializer, error) {
	inits := []enrich.Initializer{
		enrich.SDKVersion(SDKVersion),
	}
	if len(cfg.Context) > 0 {
		inits = append(inits, enrich.Static(cfg.Context))
	}
	if deps.ContextProvider != nil {
		inits = append(inits, enrich.Snapshot(deps.ContextProvider))
	}

	for _, path := range cfg.Scripts {
		script, err := enrich.LoadScript(path, nil, enrich.ScriptOptions{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to load initializer script %s: %w", path, err)
		}
		inits = append(inits, script)
	}

	return append(inits, deps.Initializers...), nil
}

func buildFilter(ctx context.Context, fc config.FilterConfig, tel *telemetry.Telemetry) (*policy.Engine, *policy.Loader, error) {
	logger := tel.Logger.Zerolog()
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	var errs []error
	for _, name := range fc.EnableBuiltins {
		errs = append(errs, engine.EnablePolicy(name))
	}
	for _, name := range fc.DisableBuiltins {
		errs = append(errs, engine.DisablePolicy(name))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}

	if len(fc.Paths) == 0 {
		return engine, nil, nil
	}
	if fc.Watch {
		// The watcher outlives ctx; StopWatching ends it.
		loader, err := policy.WatchEngine(context.WithoutCancel(ctx), engine, fc.Paths, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to watch filter policies: %w", err)
		}
		return engine, loader, nil
	}
	if err := engine.LoadPolicies(ctx, fc.Paths); err != nil {
		return nil, nil, fmt.Errorf("failed to load filter policies: %w", err)
	}
	return engine, nil, nil
}
