package channel

import (
	"math/rand"
	"sync"
	"time"
)

// Phase is the transmission policy state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScheduled
	PhaseSending
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScheduled:
		return "scheduled"
	case PhaseSending:
		return "sending"
	case PhaseBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Default policy settings.
const (
	DefaultBaseDelay      = 10 * time.Second
	DefaultMaxDelay       = time.Hour
	DefaultFlushThreshold = 500
)

// PolicyOptions configures a Policy.
type PolicyOptions struct {
	// BaseDelay is the delay after the first consecutive failure.
	BaseDelay time.Duration

	// MaxDelay caps every backoff delay.
	MaxDelay time.Duration

	// Jitter randomizes each delay by up to ±Jitter (0 to 1). Zero keeps
	// delays deterministic.
	Jitter float64

	// FlushThreshold is the queued item count that triggers a send.
	FlushThreshold int
}

func (o *PolicyOptions) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
}

// State is a snapshot of the policy.
type State struct {
	Phase               Phase
	NextAllowedSend     time.Time
	ConsecutiveFailures int
	InFlight            bool
}

// Outcome is what a finished send attempt reports to the policy.
type Outcome int

const (
	// OutcomeDelivered covers success, partial success without retries and
	// terminal rejection: the collector answered and the entries are gone.
	OutcomeDelivered Outcome = iota

	// OutcomeRetry means entries were released for a later attempt.
	OutcomeRetry
)

// Policy tracks when the next send may start. It is safe for concurrent use.
type Policy struct {
	mu    sync.Mutex
	opts  PolicyOptions
	state State
	rng   *rand.Rand
}

// NewPolicy creates an idle policy.
func NewPolicy(opts PolicyOptions) *Policy {
	opts.setDefaults()
	return &Policy{
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Options returns the effective options.
func (p *Policy) Options() PolicyOptions {
	return p.opts
}

// State returns a snapshot of the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ThresholdReached reports whether queued items alone justify a send.
func (p *Policy) ThresholdReached(queued int) bool {
	return queued >= p.opts.FlushThreshold
}

// Trigger records a send trigger. Idle moves to Scheduled; Backoff moves to
// Scheduled only once the backoff delay has elapsed. It returns the
// resulting phase.
func (p *Policy) Trigger(now time.Time) Phase {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state.Phase {
	case PhaseIdle:
		p.state.Phase = PhaseScheduled
	case PhaseBackoff:
		if !now.Before(p.state.NextAllowedSend) {
			p.state.Phase = PhaseScheduled
		}
	}
	return p.state.Phase
}

// Begin acquires the in-flight slot. A normal begin requires the Scheduled
// phase; a forced begin (Flush, Suspend) also starts from Idle or Backoff.
// Begin fails while another send is in flight.
func (p *Policy) Begin(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.InFlight {
		return false
	}
	if !force && p.state.Phase != PhaseScheduled {
		return false
	}
	p.state.InFlight = true
	p.state.Phase = PhaseSending
	return true
}

// Complete releases the in-flight slot and applies the outcome. It returns
// the backoff delay, zero after a delivered outcome.
func (p *Policy) Complete(now time.Time, outcome Outcome, retryAfter time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.InFlight = false

	if outcome == OutcomeDelivered {
		p.state.Phase = PhaseIdle
		p.state.ConsecutiveFailures = 0
		p.state.NextAllowedSend = time.Time{}
		return 0
	}

	delay := BackoffDelay(p.opts.BaseDelay, p.opts.MaxDelay, p.state.ConsecutiveFailures)
	if p.opts.Jitter > 0 {
		delta := (p.rng.Float64()*2 - 1) * p.opts.Jitter * float64(delay)
		delay += time.Duration(delta)
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > p.opts.MaxDelay {
		delay = p.opts.MaxDelay
	}

	p.state.ConsecutiveFailures++
	p.state.NextAllowedSend = now.Add(delay)
	p.state.Phase = PhaseBackoff
	return delay
}

// Abort releases the in-flight slot without a send having happened.
func (p *Policy) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.InFlight = false
	p.settleLocked()
}

// Settle returns a Scheduled policy with nothing to send to Idle, or to
// Backoff if a backoff window is still pending.
func (p *Policy) Settle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Phase == PhaseScheduled {
		p.settleLocked()
	}
}

func (p *Policy) settleLocked() {
	if p.state.ConsecutiveFailures > 0 {
		p.state.Phase = PhaseBackoff
	} else {
		p.state.Phase = PhaseIdle
	}
}

// BackoffDelay returns min(max, base*2^failures).
func BackoffDelay(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < failures; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
