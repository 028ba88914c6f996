package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/channel"
	"github.com/openfroyo/crashrelay/pkg/client"
	"github.com/openfroyo/crashrelay/pkg/contracts"
	"github.com/openfroyo/crashrelay/pkg/sender"
)

// Exit reasons.
const (
	ExitStdinClosed = "stdin_closed"
	ExitCanceled    = "canceled"
	ExitError       = "error"
)

// Options configures an Agent.
type Options struct {
	Version  string
	Endpoint string
	Logger   zerolog.Logger
}

// Agent relays protocol messages to a client.
type Agent struct {
	client  *client.Client
	encoder *Encoder
	decoder *Decoder
	opts    Options
	logger  zerolog.Logger

	messages int
}

// New creates an agent reading r and answering on w.
func New(c *client.Client, r io.Reader, w io.Writer, opts Options) *Agent {
	return &Agent{
		client:  c,
		encoder: NewEncoder(w),
		decoder: NewDecoder(r),
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "agent").Logger(),
	}
}

type decoded struct {
	msg *Message
	err error
}

// Run processes messages until the input closes or ctx is canceled, then
// flushes and sends EXIT. It returns an error only when the input stream
// fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.encoder.Encode(MessageTypeReady, "", &ReadyMessage{
		Version:  a.opts.Version,
		PID:      os.Getpid(),
		Endpoint: a.opts.Endpoint,
		Pending:  a.client.Stats().Len(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	// The reader may stay blocked on input after ctx is canceled; it exits
	// with the process.
	input := make(chan decoded)
	go func() {
		for {
			msg, err := a.decoder.Decode()
			select {
			case input <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			var de *decodeError
			if err != nil && !errors.As(err, &de) {
				return
			}
		}
	}()

	reason := ExitStdinClosed
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			reason = ExitCanceled
			break loop
		case in := <-input:
			var de *decodeError
			switch {
			case in.err == nil:
				a.handle(ctx, in.msg)
			case errors.As(in.err, &de):
				a.messages++
				id := ""
				if in.msg != nil {
					id = in.msg.ID
				}
				a.reply(MessageTypeError, id, &ErrorMessage{RequestID: id, Code: CodeInvalidMessage, Message: de.Error()})
			case errors.Is(in.err, io.EOF):
				break loop
			default:
				reason, runErr = ExitError, in.err
				break loop
			}
		}
	}

	a.exit(reason)
	return runErr
}

func (a *Agent) exit(reason string) {
	if err := a.client.Flush(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Final flush failed, items stay queued")
	}
	a.reply(MessageTypeExit, "", &ExitMessage{
		Reason:        reason,
		MessagesTotal: a.messages,
		Pending:       a.client.Stats().Len(),
	})
	a.logger.Info().Str("reason", reason).Int("messages", a.messages).Msg("Agent stopped")
}

func (a *Agent) handle(ctx context.Context, msg *Message) {
	a.messages++

	ack, err := a.dispatch(ctx, msg)
	if err != nil {
		a.logger.Debug().Err(err).Str("type", string(msg.Type)).Str("id", msg.ID).Msg("Request failed")
		a.reply(MessageTypeError, msg.ID, errorMessage(msg.ID, err))
		return
	}

	stats := a.client.Stats()
	ack.RequestID = msg.ID
	ack.Pending = stats.Len()
	a.reply(MessageTypeAck, msg.ID, ack)
}

func (a *Agent) dispatch(ctx context.Context, msg *Message) (*AckMessage, error) {
	switch msg.Type {
	case MessageTypeTrack:
		var m TrackMessage
		if err := ParseData(msg.Data, &m); err != nil {
			return nil, err
		}
		item, err := m.Item()
		if err != nil {
			return nil, err
		}
		a.client.Track(item)
		return &AckMessage{}, nil

	case MessageTypeException:
		var m ExceptionMessage
		if err := ParseData(msg.Data, &m); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		a.client.TrackException(contracts.ExceptionReport{
			Type:       m.Type,
			Message:    m.Message,
			Stack:      m.Stack,
			Fatal:      m.Fatal,
			Properties: m.Properties,
		}, contracts.HandledAtUnhandled)
		return &AckMessage{}, nil

	case MessageTypeSession:
		var m SessionMessage
		if err := ParseData(msg.Data, &m); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Action == SessionStart {
			return &AckMessage{Session: a.client.StartSession()}, nil
		}
		a.client.EndSession()
		return &AckMessage{}, nil

	case MessageTypeFlush:
		if err := a.client.Flush(ctx); err != nil {
			return nil, &flushError{err}
		}
		return &AckMessage{}, nil

	case MessageTypeStats:
		stats := a.client.Stats()
		return &AckMessage{InFlight: stats.InFlight, Bytes: stats.Bytes}, nil

	default:
		return nil, fmt.Errorf("unexpected %s message", msg.Type)
	}
}

// Item builds the item the message describes.
func (m *TrackMessage) Item() (*contracts.Item, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(m.Envelope) > 0 {
		return contracts.Unmarshal(m.Envelope)
	}

	var item *contracts.Item
	switch m.Kind {
	case KindEvent:
		item = contracts.NewEvent(m.Name, m.Properties)
	case KindPageView:
		item = contracts.NewPageView(m.Name)
		item.Data.(*contracts.PageViewData).Properties = m.Properties
	case KindMetric:
		item = contracts.NewMetric(m.Name, m.Value)
		item.Data.(*contracts.MetricData).Properties = m.Properties
	}
	for k, v := range m.Context {
		item.Context[k] = v
	}
	return item, nil
}

func (a *Agent) reply(msgType MessageType, id string, data interface{}) {
	if err := a.encoder.Encode(msgType, id, data); err != nil {
		a.logger.Error().Err(err).Str("type", string(msgType)).Msg("Failed to write reply")
	}
}

type flushError struct{ err error }

func (e *flushError) Error() string { return e.err.Error() }
func (e *flushError) Unwrap() error { return e.err }

func errorMessage(id string, err error) *ErrorMessage {
	msg := &ErrorMessage{RequestID: id, Code: CodeInvalidMessage, Message: err.Error()}
	var fe *flushError
	if errors.As(err, &fe) {
		msg.Code = CodeFlushFailed
		msg.Retryable = sender.IsRetryable(fe.err) || errors.Is(fe.err, channel.ErrFlushTimeout)
	}
	return msg
}
