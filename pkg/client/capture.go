package client

import (
	"sync"

	"github.com/openfroyo/crashrelay/pkg/contracts"
)

// Results recorded on exceptions_captured_total.
const (
	CaptureQueued  = "queued"
	CaptureFatal   = "fatal"
	CaptureDropped = "dropped"
)

// attachment is one subscription to an UnhandledExceptionSource.
type attachment struct {
	unsubscribe func()

	// mu guards closed and sends on reports. The hook may fire after
	// Detach started, so it must never send on a closed channel.
	mu      sync.RWMutex
	closed  bool
	reports chan contracts.ExceptionReport
	done    chan struct{}
}

// Attach subscribes to src and starts the capture goroutine. A previous
// attachment is detached first. Concurrent calls leave exactly one source
// subscribed.
func (c *Client) Attach(src UnhandledExceptionSource) {
	if src == nil || c.queue == nil {
		return
	}

	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	c.detachLocked()

	a := &attachment{
		reports: make(chan contracts.ExceptionReport, c.opts.CaptureBuffer),
		done:    make(chan struct{}),
	}
	go c.capture(a)
	a.unsubscribe = src.Subscribe(func(report contracts.ExceptionReport) {
		c.deliver(a, report)
	})
	c.attached = a

	c.logger.Debug().Int("buffer", c.opts.CaptureBuffer).Msg("Attached exception source")
}

// Detach unsubscribes from the current source and drains pending reports.
func (c *Client) Detach() {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	c.detachLocked()
}

// detachLocked requires attachMu.
func (c *Client) detachLocked() {
	a := c.attached
	c.attached = nil
	if a == nil {
		return
	}

	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	a.mu.Lock()
	a.closed = true
	close(a.reports)
	a.mu.Unlock()

	<-a.done
}

// deliver runs on the hook's goroutine.
func (c *Client) deliver(a *attachment, report contracts.ExceptionReport) {
	if report.Fatal {
		c.metrics.RecordException(CaptureFatal)
		c.TrackException(report, contracts.HandledAtUnhandled)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		c.metrics.RecordException(CaptureDropped)
		return
	}

	select {
	case a.reports <- report:
		c.metrics.RecordException(CaptureQueued)
	default:
		c.logger.Warn().Str("type", report.Type).Msg("Exception capture buffer full, dropping report")
		c.metrics.RecordException(CaptureDropped)
	}
}

func (c *Client) capture(a *attachment) {
	defer close(a.done)
	for report := range a.reports {
		c.TrackException(report, contracts.HandledAtUnhandled)
	}
}
