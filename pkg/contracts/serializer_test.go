package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func fixedItem() *Item {
	return &Item{
		ID:                 "0f8fad5b-d9cb-469f-a165-70867728950e",
		Timestamp:          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:               TypeEvent,
		InstrumentationKey: "ikey",
		Context:            map[string]string{"b": "2", "a": "1", "c": "3"},
		Data: &EventData{
			Name:       "checkout",
			Properties: map[string]string{"z": "26", "y": "25", "x": "24"},
		},
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	first, err := Marshal(fixedItem())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(fixedItem())
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between runs:\n%s\n%s", first, again)
		}
	}
	if !strings.Contains(string(first), `"tags":{"a":"1","b":"2","c":"3"}`) {
		t.Errorf("tags not sorted: %s", first)
	}
}

func TestMarshal_EnvelopeFields(t *testing.T) {
	data, err := Marshal(fixedItem())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	for _, field := range []string{"id", "name", "time", "iKey", "tags", "data"} {
		if _, ok := env[field]; !ok {
			t.Errorf("envelope is missing %q", field)
		}
	}
	if env["name"] != "crashrelay.Event" {
		t.Errorf("name = %v", env["name"])
	}
	if _, ok := env["sampleRate"]; ok {
		t.Error("zero sampleRate should be omitted")
	}
}

func TestMarshal_EmptyTagsEncodeAsObject(t *testing.T) {
	item := fixedItem()
	item.Context = nil

	data, err := Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"tags":{}`) {
		t.Errorf("expected empty tags object, got %s", data)
	}
}

func TestMarshal_Placeholders(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{
			name:    "invalid utf8 name",
			payload: &EventData{Name: "bad\xff"},
			want:    `"name":"<invalid>"`,
		},
		{
			name:    "nan value",
			payload: &MetricData{Name: "latency", Value: math.NaN()},
			want:    `"value":0`,
		},
		{
			name:    "inf measurement",
			payload: &EventData{Name: "e", Measurements: map[string]float64{"m": math.Inf(1)}},
			want:    `"measurements":{"m":0}`,
		},
		{
			name:    "invalid property value",
			payload: &PageViewData{Name: "home", Properties: map[string]string{"k": "\xc3"}},
			want:    `"properties":{"k":"<invalid>"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := fixedItem()
			item.Data = tt.payload
			data, err := Marshal(item)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("expected %s in %s", tt.want, data)
			}
		})
	}
}

func TestMarshal_DoesNotMutateItem(t *testing.T) {
	item := fixedItem()
	item.Data = &EventData{Name: "bad\xff", Measurements: map[string]float64{"m": math.NaN()}}

	if _, err := Marshal(item); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	ev := item.Data.(*EventData)
	if ev.Name != "bad\xff" || !math.IsNaN(ev.Measurements["m"]) {
		t.Error("Marshal modified the caller's payload")
	}
}

func TestMarshal_TruncatesLongStrings(t *testing.T) {
	item := fixedItem()
	item.Data = &CrashData{ExceptionType: "E", Message: strings.Repeat("é", MaxMessageLength)}

	data, err := Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	msg := got.Data.(*CrashData).Message
	if len(msg) > MaxMessageLength {
		t.Errorf("message length %d exceeds %d", len(msg), MaxMessageLength)
	}
	if !strings.HasPrefix(msg, "é") || strings.ContainsRune(msg, '�') {
		t.Error("truncation split a rune")
	}
}

func TestMarshal_MissingPayload(t *testing.T) {
	item := fixedItem()
	item.Data = nil

	data, err := Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"serializationError":"missing payload"`) {
		t.Errorf("expected serializationError marker, got %s", data)
	}
	if !strings.Contains(string(data), `"baseType":"EventData","baseData":{}`) {
		t.Errorf("expected empty baseData, got %s", data)
	}
}

func TestMarshal_NilItem(t *testing.T) {
	if _, err := Marshal(nil); !errors.Is(err, ErrNilItem) {
		t.Errorf("expected ErrNilItem, got %v", err)
	}
}

func TestUnmarshal_RestoresItem(t *testing.T) {
	item := fixedItem()
	data, err := Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ID != item.ID || !got.Timestamp.Equal(item.Timestamp) || got.Type != TypeEvent {
		t.Errorf("required fields not restored: %+v", got)
	}
	if got.Context["a"] != "1" {
		t.Errorf("tags not restored: %v", got.Context)
	}
	if ev, ok := got.Data.(*EventData); !ok || ev.Name != "checkout" || ev.Properties["x"] != "24" {
		t.Errorf("payload not restored: %#v", got.Data)
	}
}

func TestUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing id", `{"time":"2024-01-02T03:04:05Z","data":{"baseType":"EventData","baseData":{}}}`},
		{"missing base type", `{"id":"x","time":"2024-01-02T03:04:05Z","data":{}}`},
		{"bad time", `{"id":"x","time":"yesterday","data":{"baseType":"EventData","baseData":{}}}`},
		{"unknown base type", `{"id":"x","time":"2024-01-02T03:04:05Z","data":{"baseType":"Nope","baseData":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
