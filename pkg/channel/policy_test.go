package channel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{100, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := BackoffDelay(time.Second, 8*time.Second, tt.failures); got != tt.want {
			t.Errorf("BackoffDelay(failures=%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestBackoffDelay_MonotonicAndCapped(t *testing.T) {
	base, max := 10*time.Second, time.Hour
	prev := time.Duration(0)
	for f := 0; f < 80; f++ {
		d := BackoffDelay(base, max, f)
		if d < prev {
			t.Fatalf("delay decreased at failures=%d: %v < %v", f, d, prev)
		}
		if d > max {
			t.Fatalf("delay %v exceeds cap at failures=%d", d, f)
		}
		prev = d
	}
	if prev != max {
		t.Errorf("delay should reach the cap, got %v", prev)
	}
}

func TestPolicy_Transitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPolicy(PolicyOptions{BaseDelay: time.Minute, MaxDelay: time.Hour})

	if p.State().Phase != PhaseIdle {
		t.Fatalf("initial phase = %s", p.State().Phase)
	}
	if got := p.Trigger(now); got != PhaseScheduled {
		t.Fatalf("Trigger from idle = %s", got)
	}
	if !p.Begin(false) {
		t.Fatal("Begin from scheduled failed")
	}
	if p.Begin(true) {
		t.Fatal("Begin succeeded while a send is in flight")
	}

	delay := p.Complete(now, OutcomeRetry, 0)
	state := p.State()
	if delay != time.Minute || state.Phase != PhaseBackoff || state.ConsecutiveFailures != 1 || state.InFlight {
		t.Fatalf("after failure: delay=%v state=%+v", delay, state)
	}
	if !state.NextAllowedSend.Equal(now.Add(time.Minute)) {
		t.Errorf("NextAllowedSend = %v", state.NextAllowedSend)
	}

	if got := p.Trigger(now.Add(30 * time.Second)); got != PhaseBackoff {
		t.Errorf("Trigger during backoff = %s", got)
	}
	if p.Begin(false) {
		t.Error("normal Begin succeeded during backoff")
	}
	if got := p.Trigger(now.Add(time.Minute)); got != PhaseScheduled {
		t.Errorf("Trigger after backoff = %s", got)
	}

	if !p.Begin(false) {
		t.Fatal("Begin after backoff failed")
	}
	if delay := p.Complete(now.Add(time.Minute), OutcomeRetry, 0); delay != 2*time.Minute {
		t.Errorf("second delay = %v, want 2m", delay)
	}

	p.Trigger(now.Add(time.Hour))
	p.Begin(false)
	p.Complete(now.Add(time.Hour), OutcomeDelivered, 0)
	state = p.State()
	if state.Phase != PhaseIdle || state.ConsecutiveFailures != 0 || !state.NextAllowedSend.IsZero() {
		t.Errorf("success did not reset state: %+v", state)
	}
}

func TestPolicy_ForcedBeginSkipsBackoff(t *testing.T) {
	now := time.Now()
	p := NewPolicy(PolicyOptions{BaseDelay: time.Hour})
	p.Trigger(now)
	p.Begin(false)
	p.Complete(now, OutcomeRetry, 0)

	if !p.Begin(true) {
		t.Fatal("forced Begin failed during backoff")
	}
	p.Abort()
	if state := p.State(); state.Phase != PhaseBackoff || state.InFlight {
		t.Errorf("Abort should restore backoff: %+v", state)
	}
}

func TestPolicy_RetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"shorter than backoff", 100 * time.Millisecond, time.Second},
		{"longer than backoff", 30 * time.Second, 30 * time.Second},
		{"capped", 2 * time.Hour, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(PolicyOptions{BaseDelay: time.Second, MaxDelay: time.Hour})
			p.Begin(true)
			if got := p.Complete(time.Now(), OutcomeRetry, tt.retryAfter); got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := NewPolicy(PolicyOptions{BaseDelay: 10 * time.Second, MaxDelay: time.Hour, Jitter: 0.5})
	for i := 0; i < 100; i++ {
		p.Begin(true)
		d := p.Complete(time.Now(), OutcomeRetry, 0)
		p.Begin(true)
		p.Complete(time.Now(), OutcomeDelivered, 0)
		if d < 5*time.Second || d > 15*time.Second {
			t.Fatalf("jittered delay %v outside [5s, 15s]", d)
		}
	}
}

func TestPolicy_SettleWithoutWork(t *testing.T) {
	p := NewPolicy(PolicyOptions{})
	p.Trigger(time.Now())
	p.Settle()
	if p.State().Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle", p.State().Phase)
	}
}

func TestPolicy_BeginIsExclusive(t *testing.T) {
	p := NewPolicy(PolicyOptions{})

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Begin(true) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d callers acquired the in-flight slot", wins.Load())
	}
}

func TestPolicy_ThresholdReached(t *testing.T) {
	p := NewPolicy(PolicyOptions{FlushThreshold: 3})
	if p.ThresholdReached(2) || !p.ThresholdReached(3) {
		t.Error("threshold comparison is wrong")
	}
}
