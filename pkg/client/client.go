package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/channel"
	"github.com/openfroyo/crashrelay/pkg/contracts"
	"github.com/openfroyo/crashrelay/pkg/enrich"
	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/telemetry"
)

// SDKVersion is stamped on every item as internal.sdkVersion.
const SDKVersion = "crashrelay-go:0.1.0"

// DefaultCaptureBuffer is the capacity of the exception capture channel.
const DefaultCaptureBuffer = 64

// Reasons recorded on items_dropped_total.
const (
	DropDisabled      = "disabled"
	DropSerialization = "serialization"
	DropFiltered      = "filtered"
	DropStorage       = "storage"
	DropPanic         = "panic"
)

// UnhandledExceptionSource is a platform crash hook. Subscribe registers a
// handler and returns a function that removes it; the source must not call
// the handler after unsubscribe returns.
type UnhandledExceptionSource interface {
	Subscribe(handler func(contracts.ExceptionReport)) (unsubscribe func())
}

// Filter decides whether a serialized item may be queued.
type Filter interface {
	Allow(ctx context.Context, envelope []byte) bool
}

// Options configures a Client.
type Options struct {
	// InstrumentationKey is set on items that carry none.
	InstrumentationKey string

	// Initializers run on every item, in order.
	Initializers []enrich.Initializer

	// Sessions tracks the active session. A tracker is created when nil.
	Sessions *enrich.SessionTracker

	// Filter drops items before they are queued.
	Filter Filter

	// DeveloperMode requests a send after every tracked item.
	DeveloperMode bool

	// CaptureBuffer bounds pending non-fatal exception reports.
	CaptureBuffer int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// Now overrides the clock.
	Now func() time.Time
}

// Client is the telemetry façade. It is safe for concurrent use.
type Client struct {
	queue   *queue.Queue
	channel *channel.Channel
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	sessions *enrich.SessionTracker
	inits    []enrich.Initializer
	enabled  atomic.Bool

	attachMu sync.Mutex
	attached *attachment

	closeOnce sync.Once
	closeErr  error
	closers   []func() error
}

// New creates a client over an open queue and starts the channel worker.
func New(q *queue.Queue, ch *channel.Channel, opts Options) *Client {
	if opts.CaptureBuffer <= 0 {
		opts.CaptureBuffer = DefaultCaptureBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sessions == nil {
		opts.Sessions = enrich.NewSessionTracker()
	}

	inits := make([]enrich.Initializer, 0, len(opts.Initializers)+1)
	inits = append(inits, opts.Sessions)
	inits = append(inits, opts.Initializers...)

	c := &Client{
		queue:    q,
		channel:  ch,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "client").Logger(),
		metrics:  opts.Metrics,
		sessions: opts.Sessions,
		inits:    inits,
	}
	c.enabled.Store(true)

	ch.Start(context.Background())
	return c
}

// NewDisabled returns a client that discards everything.
func NewDisabled() *Client {
	return &Client{logger: zerolog.Nop()}
}

// SetEnabled turns tracking on or off. Queued items are still delivered
// while disabled.
func (c *Client) SetEnabled(enabled bool) {
	if c.queue == nil {
		return
	}
	c.enabled.Store(enabled)
}

// Enabled reports whether tracking is on.
func (c *Client) Enabled() bool {
	return c != nil && c.queue != nil && c.enabled.Load()
}

// Track enriches, serializes, filters and queues an item. It never panics
// and never blocks on the network.
func (c *Client) Track(item *contracts.Item) {
	if item == nil {
		return
	}
	if !c.Enabled() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("id", item.ID).Msg("Recovered panic while tracking item")
			c.metrics.RecordDropped(DropPanic, 1)
		}
	}()

	if !c.track(context.Background(), item) {
		return
	}

	if c.opts.DeveloperMode {
		c.channel.Trigger()
	} else {
		c.channel.Notify()
	}
}

func (c *Client) track(ctx context.Context, item *contracts.Item) bool {
	item.Normalize(c.opts.Now())
	if item.InstrumentationKey == "" {
		item.InstrumentationKey = c.opts.InstrumentationKey
	}

	// Apply logs and isolates failed initializers.
	_ = enrich.Apply(item.Context, c.inits, c.logger)

	data, err := contracts.Marshal(item)
	if err != nil {
		c.logger.Warn().Err(err).Str("id", item.ID).Msg("Failed to serialize item")
		c.metrics.RecordDropped(DropSerialization, 1)
		return false
	}

	if c.opts.Filter != nil && !c.opts.Filter.Allow(ctx, data) {
		c.metrics.RecordDropped(DropFiltered, 1)
		return false
	}

	if err := c.queue.Append(ctx, item.ID, data); err != nil {
		c.logger.Warn().Err(err).Str("id", item.ID).Msg("Failed to queue item")
		c.metrics.RecordDropped(DropStorage, 1)
		return false
	}

	c.metrics.RecordTracked(string(item.Type))
	stats := c.queue.Stats()
	c.metrics.SetQueue(stats.Len(), stats.Bytes)
	return true
}

// TrackEvent tracks a custom event.
func (c *Client) TrackEvent(name string, properties map[string]string) {
	c.Track(contracts.NewEvent(name, properties))
}

// TrackPageView tracks a page or screen view.
func (c *Client) TrackPageView(name string) {
	c.Track(contracts.NewPageView(name))
}

// TrackMetric tracks a single metric sample.
func (c *Client) TrackMetric(name string, value float64) {
	c.Track(contracts.NewMetric(name, value))
}

// TrackException tracks a crash report. Fatal reports are flushed before
// TrackException returns, bounded by the channel's flush timeout.
func (c *Client) TrackException(report contracts.ExceptionReport, handledAt string) {
	if handledAt == "" {
		handledAt = contracts.HandledAtUser
	}
	c.Track(contracts.NewCrash(report, handledAt))

	if report.Fatal && c.Enabled() {
		if err := c.Flush(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to flush fatal exception")
		}
	}
}

// TrackError tracks a handled Go error with the caller's stack.
func (c *Client) TrackError(err error, properties map[string]string) {
	report := contracts.ReportFromError(err, 1)
	report.Properties = properties
	c.TrackException(report, contracts.HandledAtUser)
}

// Recover reports a panic of the calling goroutine. Use it directly with
// defer. With repanic the report is flushed and the panic continues.
func (c *Client) Recover(repanic bool) {
	r := recover()
	if r == nil {
		return
	}

	report := contracts.ReportFromPanic(r, 2)
	report.Fatal = repanic
	c.TrackException(report, contracts.HandledAtPanic)

	if repanic {
		panic(r)
	}
}

// StartSession begins a new session, tracks its start and returns its id.
func (c *Client) StartSession() string {
	if !c.Enabled() {
		return ""
	}
	id := c.sessions.Start()
	c.Track(contracts.NewSession(contracts.SessionStart, id))
	return id
}

// EndSession tracks the end of the active session, if any.
func (c *Client) EndSession() {
	if !c.Enabled() {
		return
	}
	if id, ok := c.sessions.End(); ok {
		c.Track(contracts.NewSession(contracts.SessionEnd, id))
	}
}

// CurrentSession returns the active session id, or "".
func (c *Client) CurrentSession() string {
	if c.sessions == nil {
		return ""
	}
	return c.sessions.Current()
}

// Flush sends everything queued now, skipping thresholds and backoff. It
// waits for an in-flight send and is bounded by the flush timeout and ctx.
func (c *Client) Flush(ctx context.Context) error {
	if c.channel == nil {
		return nil
	}
	return c.channel.Flush(ctx)
}

// Suspend flushes because the host application is being suspended.
func (c *Client) Suspend(ctx context.Context) error {
	if c.channel == nil {
		return nil
	}
	return c.channel.Suspend(ctx)
}

// Stats returns the queue occupancy.
func (c *Client) Stats() queue.Stats {
	if c.queue == nil {
		return queue.Stats{}
	}
	return c.queue.Stats()
}

// State returns the transmission policy state.
func (c *Client) State() channel.State {
	if c.channel == nil {
		return channel.State{}
	}
	return c.channel.State()
}

// Close detaches crash hooks, makes a final flush, stops the worker and
// releases storage. Undelivered items stay persisted for the next start.
func (c *Client) Close(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.Detach()

		var errs []error
		if err := c.channel.Flush(ctx); err != nil && !errors.Is(err, channel.ErrStopped) {
			c.logger.Warn().Err(err).Int("pending", c.queue.Len()).Msg("Final flush incomplete")
		}
		if err := c.channel.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		c.enabled.Store(false)
		errs = append(errs, c.queue.Close())
		for i := len(c.closers) - 1; i >= 0; i-- {
			errs = append(errs, c.closers[i]())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// onClose registers cleanup run by Close in reverse order.
func (c *Client) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

var defaultClient atomic.Pointer[Client]

// SetDefault installs c as the process-wide client. Passing nil restores
// the disabled default.
func SetDefault(c *Client) {
	defaultClient.Store(c)
}

// Default returns the process-wide client, a disabled no-op client until
// SetDefault is called.
func Default() *Client {
	if c := defaultClient.Load(); c != nil {
		return c
	}
	return disabled
}

var disabled = NewDisabled()
