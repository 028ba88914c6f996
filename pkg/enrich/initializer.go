package enrich

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/contracts"
)

// Initializer adds tags to an item's context.
type Initializer interface {
	Initialize(ctx map[string]string)
}

// Func adapts a function to Initializer.
type Func func(ctx map[string]string)

// Initialize calls f.
func (f Func) Initialize(ctx map[string]string) { f(ctx) }

// Apply runs every initializer in order against ctx. Each initializer works on
// a scratch copy; only keys missing from ctx are merged back. A panicking
// initializer contributes nothing and is reported in the returned error.
func Apply(ctx map[string]string, inits []Initializer, logger zerolog.Logger) error {
	var errs []error
	for i, init := range inits {
		if init == nil {
			continue
		}
		scratch := make(map[string]string, len(ctx))
		for k, v := range ctx {
			scratch[k] = v
		}

		if err := run(init, scratch); err != nil {
			logger.Warn().Err(err).Int("initializer", i).Msg("Context initializer failed")
			errs = append(errs, err)
			continue
		}

		for k, v := range scratch {
			if _, exists := ctx[k]; !exists {
				ctx[k] = v
			}
		}
	}
	return errors.Join(errs...)
}

func run(init Initializer, scratch map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer %T panicked: %v", init, r)
		}
	}()
	init.Initialize(scratch)
	return nil
}

// Static adds a fixed set of tags.
type Static map[string]string

// Initialize implements Initializer.
func (s Static) Initialize(ctx map[string]string) {
	for k, v := range s {
		ctx[k] = v
	}
}

// ContextProvider supplies device or platform metadata, typically read once
// by the host application.
type ContextProvider interface {
	Snapshot() map[string]string
}

// Snapshot returns an initializer that copies p's snapshot onto every item.
func Snapshot(p ContextProvider) Initializer {
	return Func(func(ctx map[string]string) {
		for k, v := range p.Snapshot() {
			ctx[k] = v
		}
	})
}

// User returns an initializer that stamps the user id.
func User(id string) Initializer {
	if id == "" {
		return Static(nil)
	}
	return Static{contracts.TagUserID: id}
}

// SDKVersion returns an initializer that stamps the SDK version.
func SDKVersion(version string) Initializer {
	return Static{contracts.TagSDKVersion: version}
}
