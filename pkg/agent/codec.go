package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageSize bounds one input line.
const MaxMessageSize = 10 * 1024 * 1024

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, id string, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message. Blank lines are skipped. It returns io.EOF
// when the input is exhausted.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		if line := d.r.Bytes(); len(line) > 0 {
			return parseMessage(line)
		}
	}
}

func parseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &decodeError{fmt.Errorf("failed to unmarshal message: %w", err)}
	}
	if err := msg.Type.Validate(); err != nil {
		return &msg, &decodeError{fmt.Errorf("invalid message: %w", err)}
	}
	return &msg, nil
}

// decodeError marks a malformed line. The stream itself is still readable.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// ParseData parses message data into a specific type.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("message data is required")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
