package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/crashrelay/pkg/queue"
)

// Outcome is the classification of a send attempt.
type Outcome int

const (
	// OutcomeSuccess means every entry was accepted or rejected for good.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryable means at least one entry should be sent again later.
	OutcomeRetryable

	// OutcomeTerminal means the collector refused the whole batch.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Format selects the request body layout.
type Format string

const (
	// FormatJSON posts a JSON array of envelopes.
	FormatJSON Format = "json"

	// FormatNDJSON posts one envelope per line.
	FormatNDJSON Format = "ndjson"
)

// Defaults.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "crashrelay/1.0"

	maxResponseBody = 1 << 20
)

// Result describes what happened to every entry of a batch.
type Result struct {
	Outcome    Outcome
	StatusCode int

	// Accepted ids were stored by the collector.
	Accepted []string

	// Rejected ids were refused for good and must be dropped.
	Rejected []string

	// Retry ids must be released for a later attempt.
	Retry []string

	// RetryAfter is the collector's requested delay, if any.
	RetryAfter time.Duration

	// Err describes the failure, nil on full success.
	Err error
}

// Done returns the ids that must be removed from the queue.
func (r Result) Done() []string {
	out := make([]string, 0, len(r.Accepted)+len(r.Rejected))
	out = append(out, r.Accepted...)
	return append(out, r.Rejected...)
}

// Options configures an HTTPSender.
type Options struct {
	// Endpoint is the collector URL.
	Endpoint string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// Format is the body layout. Empty means FormatJSON.
	Format Format

	// Compress gzips the request body.
	Compress bool

	// RatePerSecond limits requests per second. Zero disables limiting.
	RatePerSecond float64

	// Burst is the limiter burst size, at least 1.
	Burst int

	// Headers are added to every request.
	Headers map[string]string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// Client overrides the HTTP client.
	Client *http.Client

	Logger zerolog.Logger

	// Now overrides the clock used to interpret Retry-After dates.
	Now func() time.Time
}

// HTTPSender posts batches to a collector over HTTP.
type HTTPSender struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates an HTTPSender.
func New(opts Options) (*HTTPSender, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(opts.Endpoint, "http://") && !strings.HasPrefix(opts.Endpoint, "https://") {
		return nil, fmt.Errorf("endpoint must be an http or https URL: %q", opts.Endpoint)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Format != FormatJSON && opts.Format != FormatNDJSON {
		return nil, fmt.Errorf("unknown body format %q", opts.Format)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	s := &HTTPSender{
		opts:   opts,
		client: client,
		logger: opts.Logger.With().Str("component", "sender").Logger(),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s, nil
}

// Endpoint returns the collector URL.
func (s *HTTPSender) Endpoint() string { return s.opts.Endpoint }

// Send posts one batch and classifies the response.
func (s *HTTPSender) Send(ctx context.Context, batch []queue.Entry) Result {
	ids := entryIDs(batch)
	if len(batch) == 0 {
		return Result{Outcome: OutcomeSuccess}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return retryAll(ids, 0, 0, NewTransientError("rate limiter wait aborted", err).WithCode(ErrCodeLimiterWait))
		}
	}

	body, err := s.encode(batch)
	if err != nil {
		return retryAll(ids, 0, 0, NewTransientError("failed to encode batch", err).WithCode(ErrCodeEncoding))
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{
			Outcome:  OutcomeTerminal,
			Rejected: ids,
			Err:      NewPermanentError("failed to build request", err).WithCode(ErrCodeBadEndpoint),
		}
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		code := ErrCodeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return retryAll(ids, 0, 0, NewTransientError("request failed", err).WithCode(code))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := s.classify(resp, respBody, ids)

	s.logger.Debug().
		Int("items", len(batch)).
		Int("status", resp.StatusCode).
		Str("outcome", result.Outcome.String()).
		Int("accepted", len(result.Accepted)).
		Int("retry", len(result.Retry)).
		Int("rejected", len(result.Rejected)).
		Msg("Batch sent")
	return result
}

func (s *HTTPSender) setHeaders(req *http.Request) {
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	switch s.opts.Format {
	case FormatNDJSON:
		req.Header.Set("Content-Type", "application/x-ndjson")
	default:
		req.Header.Set("Content-Type", "application/json")
	}
	if s.opts.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
}

func (s *HTTPSender) encode(batch []queue.Entry) ([]byte, error) {
	var raw bytes.Buffer
	switch s.opts.Format {
	case FormatNDJSON:
		for _, e := range batch {
			raw.Write(e.Bytes)
			raw.WriteByte('\n')
		}
	default:
		raw.WriteByte('[')
		for i, e := range batch {
			if i > 0 {
				raw.WriteByte(',')
			}
			raw.Write(e.Bytes)
		}
		raw.WriteByte(']')
	}

	if !s.opts.Compress {
		return raw.Bytes(), nil
	}

	var zipped bytes.Buffer
	zw := gzip.NewWriter(&zipped)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	return zipped.Bytes(), nil
}

func (s *HTTPSender) classify(resp *http.Response, body []byte, ids []string) Result {
	status := resp.StatusCode

	switch {
	case status == http.StatusPartialContent:
		return s.splitPartial(status, body, ids, s.retryAfter(resp))

	case status >= 200 && status < 300:
		return Result{Outcome: OutcomeSuccess, StatusCode: status, Accepted: ids}

	case status == http.StatusTooManyRequests:
		err := NewThrottledError("collector throttled the batch", nil).WithCode(ErrCodeRateLimited).WithStatus(status)
		return retryAll(ids, status, s.retryAfter(resp), err)

	case IsRetryableStatus(status):
		err := NewTransientError("collector failed to accept the batch", nil).WithCode(ErrCodeServerError).WithStatus(status)
		return retryAll(ids, status, s.retryAfter(resp), err)

	default:
		return Result{
			Outcome:    OutcomeTerminal,
			StatusCode: status,
			Rejected:   ids,
			Err:        NewPermanentError(rejectionMessage(body), nil).WithCode(ErrCodeRejected).WithStatus(status),
		}
	}
}

// partialResponse is the collector's 206 body.
type partialResponse struct {
	ItemsReceived int `json:"itemsReceived"`
	ItemsAccepted int `json:"itemsAccepted"`
	Errors        []struct {
		Index      int    `json:"index"`
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"errors"`
}

func (s *HTTPSender) splitPartial(status int, body []byte, ids []string, retryAfter time.Duration) Result {
	var pr partialResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return retryAll(ids, status, retryAfter,
			NewTransientError("unreadable partial success response", err).WithCode(ErrCodePartial).WithStatus(status))
	}

	failed := make(map[int]int, len(pr.Errors))
	for _, e := range pr.Errors {
		if e.Index >= 0 && e.Index < len(ids) {
			failed[e.Index] = e.StatusCode
		}
	}

	result := Result{StatusCode: status, RetryAfter: retryAfter}
	for i, id := range ids {
		code, isFailed := failed[i]
		switch {
		case !isFailed:
			result.Accepted = append(result.Accepted, id)
		case IsRetryableStatus(code):
			result.Retry = append(result.Retry, id)
		default:
			result.Rejected = append(result.Rejected, id)
		}
	}

	result.Outcome = OutcomeSuccess
	if len(result.Retry) > 0 {
		result.Outcome = OutcomeRetryable
		result.Err = NewTransientError(
			fmt.Sprintf("%d of %d items must be retried", len(result.Retry), len(ids)), nil,
		).WithCode(ErrCodePartial).WithStatus(status)
	} else if len(result.Rejected) > 0 {
		result.Err = NewPermanentError(
			fmt.Sprintf("%d of %d items rejected", len(result.Rejected), len(ids)), nil,
		).WithCode(ErrCodePartial).WithStatus(status)
	}
	return result
}

// retryAfter parses the Retry-After header as seconds or an HTTP date.
func (s *HTTPSender) retryAfter(resp *http.Response) time.Duration {
	return ParseRetryAfter(resp.Header.Get("Retry-After"), s.opts.Now())
}

// ParseRetryAfter interprets a Retry-After value relative to now.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryableStatus reports whether an HTTP status should be retried.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status < 600
}

func retryAll(ids []string, status int, retryAfter time.Duration, err error) Result {
	return Result{
		Outcome:    OutcomeRetryable,
		StatusCode: status,
		Retry:      ids,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

func rejectionMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "collector rejected the batch"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return "collector rejected the batch: " + msg
}

func entryIDs(batch []queue.Entry) []string {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return ids
}
