package contracts

import (
	"math"
	"sort"
	"unicode/utf8"
)

// Field limits applied during serialization.
const (
	MaxNameLength          = 1024
	MaxMessageLength       = 32768
	MaxStackLength         = 65536
	MaxPropertyKeyLength   = 150
	MaxPropertyValueLength = 8192
	MaxTagLength           = 1024
	MaxFrames              = 256
)

// InvalidPlaceholder replaces strings that are not valid UTF-8.
const InvalidPlaceholder = "<invalid>"

func cleanString(s string, max int) string {
	if !utf8.ValidString(s) {
		return InvalidPlaceholder
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func cleanFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// cleanMap sanitizes keys and values. Keys that collide after cleaning keep
// the value of the lexically first original key.
func cleanMap(in map[string]string, keyMax, valueMax int) map[string]string {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(in))
	for _, k := range keys {
		ck := cleanString(k, keyMax)
		if ck == "" {
			continue
		}
		if _, exists := out[ck]; exists {
			continue
		}
		out[ck] = cleanString(in[k], valueMax)
	}
	return out
}

func cleanMeasurements(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		ck := cleanString(k, MaxPropertyKeyLength)
		if ck == "" {
			continue
		}
		out[ck] = cleanFloat(v)
	}
	return out
}

func cleanFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := cleanFloat(*f)
	return &v
}

// sanitize returns a cleaned copy of the payload. The original is untouched.
func sanitize(p Payload) Payload {
	switch d := p.(type) {
	case *EventData:
		return &EventData{
			Name:         cleanString(d.Name, MaxNameLength),
			Properties:   cleanMap(d.Properties, MaxPropertyKeyLength, MaxPropertyValueLength),
			Measurements: cleanMeasurements(d.Measurements),
		}
	case *CrashData:
		frames := d.Frames
		if len(frames) > MaxFrames {
			frames = frames[:MaxFrames]
		}
		cleaned := make([]StackFrame, 0, len(frames))
		for _, f := range frames {
			cleaned = append(cleaned, StackFrame{
				Level:    f.Level,
				Function: cleanString(f.Function, MaxNameLength),
				Module:   cleanString(f.Module, MaxNameLength),
				File:     cleanString(f.File, MaxNameLength),
				Line:     f.Line,
			})
		}
		if len(cleaned) == 0 {
			cleaned = nil
		}
		return &CrashData{
			ExceptionType: cleanString(d.ExceptionType, MaxNameLength),
			Message:       cleanString(d.Message, MaxMessageLength),
			Frames:        cleaned,
			Stack:         cleanString(d.Stack, MaxStackLength),
			HandledAt:     cleanString(d.HandledAt, MaxNameLength),
			Fatal:         d.Fatal,
			Properties:    cleanMap(d.Properties, MaxPropertyKeyLength, MaxPropertyValueLength),
		}
	case *SessionData:
		return &SessionData{
			State:     SessionState(cleanString(string(d.State), MaxNameLength)),
			SessionID: cleanString(d.SessionID, MaxNameLength),
		}
	case *PageViewData:
		return &PageViewData{
			Name:       cleanString(d.Name, MaxNameLength),
			URL:        cleanString(d.URL, MaxPropertyValueLength),
			Duration:   cleanString(d.Duration, MaxNameLength),
			Properties: cleanMap(d.Properties, MaxPropertyKeyLength, MaxPropertyValueLength),
		}
	case *MetricData:
		return &MetricData{
			Name:       cleanString(d.Name, MaxNameLength),
			Value:      cleanFloat(d.Value),
			Count:      d.Count,
			Min:        cleanFloatPtr(d.Min),
			Max:        cleanFloatPtr(d.Max),
			Properties: cleanMap(d.Properties, MaxPropertyKeyLength, MaxPropertyValueLength),
		}
	default:
		return p
	}
}
