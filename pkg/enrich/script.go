package enrich

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Default script limits.
const (
	DefaultScriptTimeout  = 100 * time.Millisecond
	DefaultScriptMaxSteps = 100000
)

// EntryPoint is the function a script must define.
const EntryPoint = "initialize"

// ErrNoEntryPoint is returned when a script does not define initialize.
var ErrNoEntryPoint = errors.New("script does not define " + EntryPoint + "(ctx)")

// ScriptOptions bounds script execution.
type ScriptOptions struct {
	Timeout  time.Duration
	MaxSteps uint64
	Logger   zerolog.Logger
}

// Script is an initializer implemented in Starlark.
type Script struct {
	name   string
	fn     starlark.Callable
	opts   ScriptOptions
	logger zerolog.Logger
}

// LoadScript compiles and executes the top level of a script once. src may
// be nil, in which case filename is read from disk.
func LoadScript(filename string, src interface{}, opts ScriptOptions) (*Script, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultScriptTimeout
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultScriptMaxSteps
	}

	thread := newThread(filename, opts)
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", filename, err)
	}

	fn, ok := globals[EntryPoint].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %w", filename, ErrNoEntryPoint)
	}
	globals.Freeze()

	return &Script{
		name:   filename,
		fn:     fn,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "script").Str("script", filename).Logger(),
	}, nil
}

// Name returns the script file name.
func (s *Script) Name() string { return s.name }

// Initialize implements Initializer. Script errors are logged and leave ctx
// unchanged.
func (s *Script) Initialize(ctx map[string]string) {
	tags, err := s.Eval(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Script initializer failed")
		return
	}
	for k, v := range tags {
		ctx[k] = v
	}
}

// Eval calls initialize(ctx) and returns the tags it produced.
func (s *Script) Eval(ctx map[string]string) (map[string]string, error) {
	thread := newThread(s.name, s.opts)

	timer := time.AfterFunc(s.opts.Timeout, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", s.opts.Timeout))
	})
	defer timer.Stop()

	arg := starlark.NewDict(len(ctx))
	for k, v := range ctx {
		if err := arg.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}

	result, err := starlark.Call(thread, s.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", EntryPoint, err)
	}

	// Returning None keeps whatever the script wrote into ctx.
	if result == starlark.None {
		result = arg
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s must return a dict, got %s", EntryPoint, result.Type())
	}

	tags := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("tag key must be a string, got %s", item[0].Type())
		}
		value, err := tagValue(item[1])
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", string(key), err)
		}
		tags[string(key)] = value
	}
	return tags, nil
}

func newThread(name string, opts ScriptOptions) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			opts.Logger.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(opts.MaxSteps)
	return thread
}

// tagValue converts a scalar Starlark value to its tag string.
func tagValue(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type: %s", v.Type())
	}
}
