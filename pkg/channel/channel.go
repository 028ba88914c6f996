package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/sender"
	"github.com/openfroyo/crashrelay/pkg/telemetry"
)

// Default worker settings.
const (
	DefaultSendInterval         = 15 * time.Second
	DefaultMaxBatchItems        = 100
	DefaultMaxBatchBytes  int64 = 1 << 20
	DefaultMaxBatches           = 10
	DefaultFlushTimeout         = 5 * time.Second
)

var (
	// ErrStopped is returned by Flush when the worker is not running.
	ErrStopped = errors.New("transmission channel is not running")

	// ErrFlushTimeout is returned when a flush does not finish within
	// FlushTimeout. The send it started keeps running in the background.
	ErrFlushTimeout = errors.New("flush timed out")
)

// Sender posts one batch. *sender.HTTPSender implements it.
type Sender interface {
	Send(ctx context.Context, batch []queue.Entry) sender.Result
}

// SpanStarter starts trace spans. Both trace.Tracer and *telemetry.Tracer
// implement it.
type SpanStarter interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// Options configures a Channel.
type Options struct {
	Policy PolicyOptions

	// SendInterval is the timer trigger period.
	SendInterval time.Duration

	// MaxBatchItems and MaxBatchBytes bound one request.
	MaxBatchItems int
	MaxBatchBytes int64

	// MaxBatchesPerAttempt bounds how many batches one triggered attempt
	// sends while the collector keeps succeeding. Flush ignores it.
	MaxBatchesPerAttempt int

	// FlushTimeout bounds how long Flush waits.
	FlushTimeout time.Duration

	// Endpoint is recorded on send spans.
	Endpoint string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  SpanStarter

	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.SendInterval <= 0 {
		o.SendInterval = DefaultSendInterval
	}
	if o.MaxBatchItems <= 0 {
		o.MaxBatchItems = DefaultMaxBatchItems
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.MaxBatchesPerAttempt <= 0 {
		o.MaxBatchesPerAttempt = DefaultMaxBatches
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/openfroyo/crashrelay/pkg/channel")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type flushRequest struct {
	done chan error
}

// Channel owns the background transmission worker. Only the worker goroutine
// calls the Sender.
type Channel struct {
	queue  *queue.Queue
	sender Sender
	policy *Policy
	opts   Options
	logger zerolog.Logger

	notify  chan struct{}
	flushes chan flushRequest

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped channel. Call Start to run the worker.
func New(q *queue.Queue, s Sender, opts Options) *Channel {
	opts.setDefaults()
	return &Channel{
		queue:   q,
		sender:  s,
		policy:  NewPolicy(opts.Policy),
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "channel").Logger(),
		notify:  make(chan struct{}, 1),
		flushes: make(chan flushRequest),
	}
}

// Policy returns the transmission policy.
func (c *Channel) Policy() *Policy { return c.policy }

// State returns a snapshot of the transmission policy.
func (c *Channel) State() State { return c.policy.State() }

// Start runs the worker until ctx is canceled or Stop is called. Calling
// Start on a running channel is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop terminates the worker and waits for it, bounded by ctx. Entries not
// yet delivered stay in the queue.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify tells the channel items were appended. It triggers a send when the
// flush threshold is reached and never blocks.
func (c *Channel) Notify() {
	if c.policy.ThresholdReached(c.queue.Stats().Available) {
		c.Trigger()
	}
}

// Trigger requests a send attempt regardless of the threshold. Backoff is
// still honored. It never blocks.
func (c *Channel) Trigger() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Flush sends everything queued, skipping the threshold and any backoff. It
// waits for an in-flight send to finish first and returns the delivery error
// of the attempt, if any. The wait is bounded by FlushTimeout and ctx.
func (c *Channel) Flush(ctx context.Context) error {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()
	if !running {
		return ErrStopped
	}

	timer := time.NewTimer(c.opts.FlushTimeout)
	defer timer.Stop()

	req := flushRequest{done: make(chan error, 1)}
	select {
	case c.flushes <- req:
	case <-timer.C:
		return ErrFlushTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-timer.C:
		return ErrFlushTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}
}

// Suspend handles an application-suspend signal: it flushes so nothing waits
// in memory while the process may be frozen or killed.
func (c *Channel) Suspend(ctx context.Context) error {
	return c.Flush(ctx)
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.SendInterval)
	defer ticker.Stop()

	var (
		retryTimer *time.Timer
		retryC     <-chan time.Time
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	// schedule arms a wake-up for the end of a new backoff window.
	schedule := func(delay time.Duration) {
		if delay <= 0 {
			return
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer = time.NewTimer(delay)
		retryC = retryTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, delay, _ := c.attempt(ctx, false)
			schedule(delay)
		case <-c.notify:
			_, delay, _ := c.attempt(ctx, false)
			schedule(delay)
		case <-retryC:
			retryTimer, retryC = nil, nil
			_, delay, _ := c.attempt(ctx, false)
			schedule(delay)
		case req := <-c.flushes:
			delay, err := c.drain(ctx)
			schedule(delay)
			req.done <- err
		}
	}
}

// drain runs forced attempts until the entries queued when it started have
// been sent or an attempt fails.
func (c *Channel) drain(ctx context.Context) (time.Duration, error) {
	remaining := c.queue.Stats().Available
	for remaining > 0 {
		sent, delay, err := c.attempt(ctx, true)
		if err != nil || delay > 0 || sent == 0 {
			return delay, err
		}
		remaining -= sent
	}
	return 0, nil
}

// attempt sends up to MaxBatchesPerAttempt batches. It returns the number of
// entries sent and the backoff delay the policy chose, zero when the
// collector answered for every entry.
func (c *Channel) attempt(ctx context.Context, force bool) (int, time.Duration, error) {
	if c.queue.Stats().Available == 0 {
		c.policy.Settle()
		return 0, 0, nil
	}
	if !force && c.policy.Trigger(c.opts.Now()) != PhaseScheduled {
		return 0, 0, nil
	}
	if !c.policy.Begin(force) {
		return 0, 0, nil
	}

	var (
		outcome    = OutcomeDelivered
		retryAfter time.Duration
		sendErr    error
		sent       int
	)

	for i := 0; i < c.opts.MaxBatchesPerAttempt; i++ {
		batch := c.queue.TakeBatch(c.opts.MaxBatchItems, c.opts.MaxBatchBytes)
		if len(batch) == 0 {
			break
		}
		res := c.send(ctx, batch)
		sent += len(batch)

		c.queue.Confirm(ctx, res.Done()...)
		c.queue.Release(ctx, res.Retry...)

		if res.Outcome == sender.OutcomeRetryable {
			outcome = OutcomeRetry
			retryAfter = res.RetryAfter
			sendErr = res.Err
			break
		}
		if res.Err != nil {
			c.logger.Warn().Err(res.Err).Int("rejected", len(res.Rejected)).Msg("Collector rejected items")
		}
	}

	if sent == 0 {
		c.policy.Abort()
		return 0, 0, nil
	}

	delay := c.policy.Complete(c.opts.Now(), outcome, retryAfter)
	stats := c.queue.Stats()
	c.opts.Metrics.SetQueue(stats.Len(), stats.Bytes)
	c.opts.Metrics.SetBackoff(delay)

	if outcome == OutcomeRetry {
		state := c.policy.State()
		c.logger.Warn().
			Err(sendErr).
			Dur("backoff", delay).
			Int("failures", state.ConsecutiveFailures).
			Int("pending", stats.Len()).
			Msg("Send failed, backing off")
	}
	return sent, delay, sendErr
}

func (c *Channel) send(ctx context.Context, batch []queue.Entry) sender.Result {
	ctx, span := c.opts.Tracer.Start(ctx, "channel.send", trace.WithAttributes(
		telemetry.AttrBatchItems.Int(len(batch)),
		telemetry.AttrEndpoint.String(c.opts.Endpoint),
	))
	defer span.End()

	timer := telemetry.NewTimer()
	res := c.sender.Send(ctx, batch)

	span.SetAttributes(
		telemetry.AttrOutcome.String(res.Outcome.String()),
		telemetry.AttrStatusCode.Int(res.StatusCode),
		telemetry.AttrAccepted.Int(len(res.Accepted)),
		telemetry.AttrRejected.Int(len(res.Rejected)),
		telemetry.AttrRetry.Int(len(res.Retry)),
	)
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	} else {
		telemetry.RecordSuccess(span)
	}

	c.opts.Metrics.RecordSend(res.Outcome.String(), timer.Duration(), len(res.Accepted), len(res.Rejected), len(res.Retry))
	c.logger.Debug().
		Int("items", len(batch)).
		Str("outcome", res.Outcome.String()).
		Int("status", res.StatusCode).
		Msg("Batch delivered")
	return res
}
