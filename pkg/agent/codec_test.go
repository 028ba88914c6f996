package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: "1.0.0", PID: 1234, Pending: 3},
		},
		{
			name:    "encode ack message",
			msgType: MessageTypeAck,
			data:    &AckMessage{RequestID: "r1", Pending: 1},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{Code: CodeFlushFailed, Message: "503", Retryable: true},
		},
		{
			name:    "encode without data",
			msgType: MessageTypeFlush,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("BOGUS"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, "r1", tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			out := buf.String()
			if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
				t.Errorf("output is not one line: %q", out)
			}
			var msg Message
			if err := json.Unmarshal(buf.Bytes(), &msg); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if msg.Type != tt.msgType || msg.ID != "r1" || msg.Timestamp.IsZero() {
				t.Errorf("message = %+v", msg)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"TRACK","id":"1","data":{"kind":"event","name":"a"}}`,
		``,
		`not json`,
		`{"type":"NOPE","id":"3"}`,
		`{"type":"FLUSH","id":"4"}`,
	}, "\n")
	d := NewDecoder(strings.NewReader(input))

	msg, err := d.Decode()
	if err != nil || msg.Type != MessageTypeTrack || msg.ID != "1" {
		t.Fatalf("first = %+v, %v", msg, err)
	}

	var de *decodeError
	if _, err := d.Decode(); !errors.As(err, &de) {
		t.Errorf("malformed line error = %v", err)
	}
	msg, err = d.Decode()
	if !errors.As(err, &de) || msg == nil || msg.ID != "3" {
		t.Errorf("unknown type = %+v, %v", msg, err)
	}

	msg, err = d.Decode()
	if err != nil || msg.Type != MessageTypeFlush {
		t.Errorf("last = %+v, %v", msg, err)
	}
	if _, err := d.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("end error = %v, want EOF", err)
	}
}

func TestTrackMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     TrackMessage
		wantErr bool
	}{
		{"event", TrackMessage{Kind: KindEvent, Name: "a"}, false},
		{"event without name", TrackMessage{Kind: KindEvent}, false},
		{"metric", TrackMessage{Kind: KindMetric, Name: "m", Value: 1}, false},
		{"metric without name", TrackMessage{Kind: KindMetric}, true},
		{"missing kind", TrackMessage{Name: "a"}, true},
		{"unknown kind", TrackMessage{Kind: "trace", Name: "a"}, true},
		{"envelope", TrackMessage{Envelope: json.RawMessage(`{}`)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseData(t *testing.T) {
	var m SessionMessage
	if err := ParseData(nil, &m); err == nil {
		t.Error("expected error for missing data")
	}
	if err := ParseData(json.RawMessage(`{"action":"start"}`), &m); err != nil || m.Action != SessionStart {
		t.Errorf("ParseData = %+v, %v", m, err)
	}
}
