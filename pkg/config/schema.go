package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Schema returns the embedded CUE schema.
func Schema() string { return schemaSource }

// decodeCUE unifies a CUE file with #Config and decodes the concrete result.
func decodeCUE(path string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	file := ctx.CompileBytes(data, cue.Filename(path))
	if err := file.Err(); err != nil {
		return nil, cueError(err)
	}

	val := schema.LookupPath(cue.ParsePath("#Config")).Unify(file)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}

	out, err := val.MarshalJSON()
	if err != nil {
		return nil, cueError(err)
	}

	// The JSON form carries durations as strings, which the YAML decoder
	// parses into time.Duration.
	cfg := Default()
	if err := decodeYAML(out, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cueError flattens a CUE error list into one error with positions.
func cueError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%s: %s", pos, msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 1 {
		return fmt.Errorf("invalid configuration: %s", msgs[0])
	}
	return fmt.Errorf("invalid configuration: %d errors: %v", len(msgs), msgs)
}
