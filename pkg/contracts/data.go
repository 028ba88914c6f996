package contracts

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Envelope data.baseType values.
const (
	BaseTypeEvent    = "EventData"
	BaseTypeCrash    = "CrashData"
	BaseTypeSession  = "SessionData"
	BaseTypePageView = "PageViewData"
	BaseTypeMetric   = "MetricData"
)

// EventData is a named custom event.
type EventData struct {
	Name         string             `json:"name"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

func (*EventData) ItemType() ItemType { return TypeEvent }
func (*EventData) BaseType() string   { return BaseTypeEvent }

// StackFrame is one frame of a crash stack, outermost last.
type StackFrame struct {
	Level    int    `json:"level"`
	Function string `json:"method"`
	Module   string `json:"assembly,omitempty"`
	File     string `json:"fileName,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// CrashData is an exception or crash report.
type CrashData struct {
	ExceptionType string            `json:"typeName"`
	Message       string            `json:"message,omitempty"`
	Frames        []StackFrame      `json:"parsedStack,omitempty"`
	Stack         string            `json:"stack,omitempty"`
	HandledAt     string            `json:"handledAt,omitempty"`
	Fatal         bool              `json:"fatal,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (*CrashData) ItemType() ItemType { return TypeCrash }
func (*CrashData) BaseType() string   { return BaseTypeCrash }

// Where an exception was observed.
const (
	HandledAtUnhandled = "Unhandled"
	HandledAtUser      = "UserCode"
	HandledAtPanic     = "Panic"
)

// SessionState marks a session boundary.
type SessionState string

// Session states.
const (
	SessionStart SessionState = "start"
	SessionEnd   SessionState = "end"
)

// SessionData marks the start or end of a user session.
type SessionData struct {
	State     SessionState `json:"state"`
	SessionID string       `json:"sessionId,omitempty"`
}

func (*SessionData) ItemType() ItemType { return TypeSession }
func (*SessionData) BaseType() string   { return BaseTypeSession }

// PageViewData records a screen or page display.
type PageViewData struct {
	Name       string            `json:"name"`
	URL        string            `json:"url,omitempty"`
	Duration   string            `json:"duration,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (*PageViewData) ItemType() ItemType { return TypePageView }
func (*PageViewData) BaseType() string   { return BaseTypePageView }

// MetricData is a single metric sample or a pre-aggregated series.
type MetricData struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Count      int               `json:"count,omitempty"`
	Min        *float64          `json:"min,omitempty"`
	Max        *float64          `json:"max,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (*MetricData) ItemType() ItemType { return TypeMetric }
func (*MetricData) BaseType() string   { return BaseTypeMetric }

// payloadFor returns an empty payload for an envelope baseType.
func payloadFor(baseType string) (Payload, error) {
	switch baseType {
	case BaseTypeEvent:
		return &EventData{}, nil
	case BaseTypeCrash:
		return &CrashData{}, nil
	case BaseTypeSession:
		return &SessionData{}, nil
	case BaseTypePageView:
		return &PageViewData{}, nil
	case BaseTypeMetric:
		return &MetricData{}, nil
	default:
		return nil, fmt.Errorf("unknown base type %q", baseType)
	}
}

// ExceptionReport is what an unhandled-exception hook hands to the client.
type ExceptionReport struct {
	// Type is the exception class or Go error type.
	Type string

	// Message is the exception message.
	Message string

	// Frames is the already-symbolicated stack, if the host has one.
	Frames []StackFrame

	// Stack is a raw stack dump, used when Frames is empty.
	Stack string

	// Fatal marks reports raised while the process is terminating.
	Fatal bool

	// Properties are attached to the crash item.
	Properties map[string]string
}

// NewCrash creates a crash item from an exception report.
func NewCrash(report ExceptionReport, handledAt string) *Item {
	return NewItem(&CrashData{
		ExceptionType: report.Type,
		Message:       report.Message,
		Frames:        report.Frames,
		Stack:         report.Stack,
		HandledAt:     handledAt,
		Fatal:         report.Fatal,
		Properties:    report.Properties,
	})
}

// ReportFromError builds a report for a Go error, capturing the caller's
// stack. skip is the number of frames above the caller to omit.
func ReportFromError(err error, skip int) ExceptionReport {
	report := ExceptionReport{Type: "error", Frames: CallerFrames(skip + 1)}
	if err == nil {
		report.Message = "<nil>"
		return report
	}
	report.Message = err.Error()
	report.Type = errorTypeName(err)
	return report
}

// ReportFromPanic builds a report for a recovered panic value.
func ReportFromPanic(recovered any, skip int) ExceptionReport {
	var report ExceptionReport
	if err, ok := recovered.(error); ok {
		report = ReportFromError(err, skip+1)
	} else {
		report = ExceptionReport{
			Type:    fmt.Sprintf("%T", recovered),
			Message: fmt.Sprint(recovered),
			Frames:  CallerFrames(skip + 1),
		}
	}
	report.Type = "panic: " + report.Type
	return report
}

// CallerFrames returns the stack of the calling goroutine.
func CallerFrames(skip int) []StackFrame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []StackFrame
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fn, module := splitFunction(frame.Function)
			out = append(out, StackFrame{
				Level:    len(out),
				Function: fn,
				Module:   module,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more {
			break
		}
	}
	return out
}

// splitFunction splits "github.com/a/b.(*T).M" into "(*T).M" and "github.com/a/b".
func splitFunction(full string) (fn, module string) {
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full, ""
	}
	dot += slash + 1
	return full[dot+1:], full[:dot]
}

func errorTypeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}
