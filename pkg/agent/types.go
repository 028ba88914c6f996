// Package agent implements the JSON-over-stdio relay protocol of the
// crashrelay agent. A host process that cannot link the Go client writes one
// message per line to the agent's stdin; the agent tracks the items through
// a client.Client and answers on stdout.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeTrack carries an item to track
	MessageTypeTrack MessageType = "TRACK"
	// MessageTypeException carries a crash report
	MessageTypeException MessageType = "EXCEPTION"
	// MessageTypeSession starts or ends a session
	MessageTypeSession MessageType = "SESSION"
	// MessageTypeFlush requests an immediate send
	MessageTypeFlush MessageType = "FLUSH"
	// MessageTypeStats requests queue occupancy
	MessageTypeStats MessageType = "STATS"

	// MessageTypeReady is sent once the agent accepts messages
	MessageTypeReady MessageType = "READY"
	// MessageTypeAck acknowledges a request
	MessageTypeAck MessageType = "ACK"
	// MessageTypeError reports a failed request
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the agent terminates
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks that the message type is known.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeTrack, MessageTypeException, MessageTypeSession, MessageTypeFlush, MessageTypeStats,
		MessageTypeReady, MessageTypeAck, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", t)
	}
}

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Item kinds accepted by TrackMessage.
const (
	KindEvent    = "event"
	KindPageView = "pageview"
	KindMetric   = "metric"
)

// TrackMessage describes an item. Envelope, when set, is a complete
// serialized item and the other fields are ignored.
type TrackMessage struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Value      float64           `json:"value,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Envelope   json.RawMessage   `json:"envelope,omitempty"`
}

// Validate checks the track message.
func (m *TrackMessage) Validate() error {
	if len(m.Envelope) > 0 {
		return nil
	}
	switch m.Kind {
	case KindEvent, KindPageView, KindMetric:
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown item kind: %s", m.Kind)
	}
	if m.Name == "" && m.Kind != KindEvent {
		return fmt.Errorf("name is required for %s", m.Kind)
	}
	return nil
}

// ExceptionMessage is a crash report from the host.
type ExceptionMessage struct {
	Type       string            `json:"type"`
	Message    string            `json:"message,omitempty"`
	Stack      string            `json:"stack,omitempty"`
	Fatal      bool              `json:"fatal,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Validate checks the exception message.
func (m *ExceptionMessage) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("exception type is required")
	}
	return nil
}

// Session actions.
const (
	SessionStart = "start"
	SessionEnd   = "end"
)

// SessionMessage starts or ends the session.
type SessionMessage struct {
	Action string `json:"action"`
}

// Validate checks the session message.
func (m *SessionMessage) Validate() error {
	if m.Action != SessionStart && m.Action != SessionEnd {
		return fmt.Errorf("session action must be %q or %q", SessionStart, SessionEnd)
	}
	return nil
}

// ReadyMessage is sent when the agent is ready to receive messages.
type ReadyMessage struct {
	Version  string `json:"version"`
	PID      int    `json:"pid"`
	Endpoint string `json:"endpoint,omitempty"`
	Pending  int    `json:"pending"`
}

// AckMessage acknowledges a request.
type AckMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Session   string `json:"session,omitempty"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}

// Error codes reported in ErrorMessage.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeFlushFailed    = "FLUSH_FAILED"
)

// ErrorMessage indicates a request failed.
type ErrorMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	MessagesTotal int    `json:"messages_total"`
	Pending       int    `json:"pending"`
}
