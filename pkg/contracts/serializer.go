package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NamePrefix prefixes the envelope name, which is "<prefix>.<Type>".
const NamePrefix = "crashrelay"

// TimeFormat is the envelope time layout.
const TimeFormat = time.RFC3339Nano

// Envelope is the wire form of an Item.
type Envelope struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Time       string            `json:"time"`
	IKey       string            `json:"iKey"`
	SampleRate float64           `json:"sampleRate,omitempty"`
	Tags       map[string]string `json:"tags"`
	Data       EnvelopeData      `json:"data"`
}

// EnvelopeData wraps the payload with its discriminator.
type EnvelopeData struct {
	BaseType           string          `json:"baseType"`
	BaseData           json.RawMessage `json:"baseData"`
	SerializationError string          `json:"serializationError,omitempty"`
}

// ErrNilItem is returned when marshaling a nil item.
var ErrNilItem = errors.New("nil telemetry item")

var emptyObject = json.RawMessage(`{}`)

// Marshal encodes an item as a deterministic JSON envelope. A payload that
// cannot be encoded is replaced by an empty object and a serializationError
// marker; the envelope itself is still produced.
func Marshal(item *Item) ([]byte, error) {
	if item == nil {
		return nil, ErrNilItem
	}

	env := Envelope{
		ID:         cleanString(item.ID, MaxNameLength),
		Time:       item.Timestamp.UTC().Format(TimeFormat),
		IKey:       cleanString(item.InstrumentationKey, MaxNameLength),
		SampleRate: cleanFloat(item.SampleRate),
		Tags:       cleanMap(item.Context, MaxPropertyKeyLength, MaxTagLength),
	}
	if env.Tags == nil {
		env.Tags = map[string]string{}
	}

	itemType := item.Type
	if item.Data != nil {
		itemType = item.Data.ItemType()
		env.Data.BaseType = item.Data.BaseType()
		raw, err := encode(sanitize(item.Data))
		if err != nil {
			env.Data.BaseData = emptyObject
			env.Data.SerializationError = err.Error()
		} else {
			env.Data.BaseData = raw
		}
	} else {
		env.Data.BaseType = baseTypeFor(itemType)
		env.Data.BaseData = emptyObject
		env.Data.SerializationError = "missing payload"
	}
	env.Name = NamePrefix + "." + string(itemType)

	out, err := encode(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, nil
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (*Item, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, errors.New("envelope is missing id")
	}
	if env.Data.BaseType == "" {
		return nil, errors.New("envelope is missing data.baseType")
	}

	ts, err := time.Parse(TimeFormat, env.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope time %q: %w", env.Time, err)
	}

	payload, err := payloadFor(env.Data.BaseType)
	if err != nil {
		return nil, err
	}
	if len(env.Data.BaseData) > 0 {
		if err := json.Unmarshal(env.Data.BaseData, payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Data.BaseType, err)
		}
	}

	tags := env.Tags
	if tags == nil {
		tags = make(map[string]string)
	}
	return &Item{
		ID:                 env.ID,
		Timestamp:          ts.UTC(),
		Type:               payload.ItemType(),
		InstrumentationKey: env.IKey,
		SampleRate:         env.SampleRate,
		Context:            tags,
		Data:               payload,
	}, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func baseTypeFor(t ItemType) string {
	switch t {
	case TypeEvent:
		return BaseTypeEvent
	case TypeCrash:
		return BaseTypeCrash
	case TypeSession:
		return BaseTypeSession
	case TypePageView:
		return BaseTypePageView
	case TypeMetric:
		return BaseTypeMetric
	default:
		return ""
	}
}
