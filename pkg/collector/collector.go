package collector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/contracts"
	"github.com/openfroyo/crashrelay/pkg/sender"
)

// DefaultMaxBodyBytes bounds a decoded request body.
const DefaultMaxBodyBytes int64 = 8 << 20

// TrackPath is the ingestion route served by Routes.
const TrackPath = "/v2/track"

// Response is the body written for every ingestion request.
type Response struct {
	ItemsReceived int         `json:"itemsReceived"`
	ItemsAccepted int         `json:"itemsAccepted"`
	Errors        []ItemError `json:"errors"`
}

// ItemError reports why one item of a batch was not accepted.
type ItemError struct {
	Index      int    `json:"index"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// Received is an accepted item.
type Received struct {
	Item       *contracts.Item
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// RejectFunc decides per item whether to refuse it. A zero status accepts the
// item.
type RejectFunc func(item *contracts.Item) (status int, message string)

// Options configures a Collector.
type Options struct {
	// MaxBodyBytes bounds the decoded body. Larger requests get 413.
	MaxBodyBytes int64

	// InstrumentationKey, when set, rejects items carrying another key.
	InstrumentationKey string

	// Reject refuses individual items, producing partial responses.
	Reject RejectFunc

	Logger zerolog.Logger
}

type fault struct {
	status     int
	retryAfter time.Duration
}

// Collector is an http.Handler that stores accepted items in memory.
type Collector struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	received []Received
	faults   []fault
	requests int
}

// New creates a collector.
func New(opts Options) *Collector {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Collector{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "collector").Logger(),
	}
}

// Routes returns a mux serving the collector on TrackPath and a health check
// on /healthz.
func (c *Collector) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(TrackPath, c)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// FailNext makes the next n requests fail with status, sending a Retry-After
// header when retryAfter is positive.
func (c *Collector) FailNext(n, status int, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.faults = append(c.faults, fault{status: status, retryAfter: retryAfter})
	}
}

// Received returns a copy of the accepted items in arrival order.
func (c *Collector) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Received, len(c.received))
	copy(out, c.received)
	return out
}

// ReceivedIDs returns the ids of the accepted items in arrival order.
func (c *Collector) ReceivedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.received))
	for i, r := range c.received {
		ids[i] = r.Item.ID
	}
	return ids
}

// Requests returns how many ingestion requests were served.
func (c *Collector) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// Reset forgets received items and pending faults.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = nil
	c.faults = nil
	c.requests = 0
}

// ServeHTTP implements http.Handler.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c.mu.Lock()
	c.requests++
	var injected *fault
	if len(c.faults) > 0 {
		f := c.faults[0]
		c.faults = c.faults[1:]
		injected = &f
	}
	c.mu.Unlock()

	if injected != nil {
		if injected.retryAfter > 0 {
			secs := int((injected.retryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		c.logger.Debug().Int("status", injected.status).Msg("Injected failure")
		http.Error(w, http.StatusText(injected.status), injected.status)
		return
	}

	body, err := c.readBody(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.logger.Warn().Err(err).Msg("Failed to read request body")
		http.Error(w, err.Error(), status)
		return
	}

	raws, err := splitItems(r.Header.Get("Content-Type"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(raws) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	resp, accepted := c.ingest(raws)

	status := http.StatusOK
	switch {
	case len(resp.Errors) == 0:
	case resp.ItemsAccepted == 0 && !anyRetryable(resp.Errors):
		status = http.StatusBadRequest
	default:
		status = http.StatusPartialContent
	}

	c.mu.Lock()
	c.received = append(c.received, accepted...)
	c.mu.Unlock()

	c.logger.Debug().
		Int("received", resp.ItemsReceived).
		Int("accepted", resp.ItemsAccepted).
		Int("status", status).
		Msg("Batch ingested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Collector) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	// MaxBytesReader applies to the decoded stream so compressed bombs are
	// bounded too.
	limited := http.MaxBytesReader(w, io.NopCloser(reader), c.opts.MaxBodyBytes)
	return io.ReadAll(limited)
}

// splitItems accepts a JSON array of envelopes or one envelope per line.
func splitItems(contentType string, body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' && !strings.HasPrefix(contentType, "application/x-ndjson") {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return raws, nil
	}

	var raws []json.RawMessage
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		raws = append(raws, json.RawMessage(line))
	}
	return raws, nil
}

func (c *Collector) ingest(raws []json.RawMessage) (Response, []Received) {
	resp := Response{ItemsReceived: len(raws), Errors: []ItemError{}}
	now := time.Now().UTC()

	var accepted []Received
	for i, raw := range raws {
		item, err := contracts.Unmarshal(raw)
		if err != nil {
			resp.Errors = append(resp.Errors, ItemError{Index: i, StatusCode: http.StatusBadRequest, Message: err.Error()})
			continue
		}
		if c.opts.InstrumentationKey != "" && item.InstrumentationKey != c.opts.InstrumentationKey {
			resp.Errors = append(resp.Errors, ItemError{Index: i, StatusCode: http.StatusBadRequest, Message: "invalid instrumentation key"})
			continue
		}
		if c.opts.Reject != nil {
			if status, msg := c.opts.Reject(item); status != 0 {
				resp.Errors = append(resp.Errors, ItemError{Index: i, StatusCode: status, Message: msg})
				continue
			}
		}

		accepted = append(accepted, Received{Item: item, Raw: append(json.RawMessage(nil), raw...), ReceivedAt: now})
	}

	resp.ItemsAccepted = len(accepted)
	return resp, accepted
}

func anyRetryable(errs []ItemError) bool {
	for _, e := range errs {
		if sender.IsRetryableStatus(e.StatusCode) {
			return true
		}
	}
	return false
}
