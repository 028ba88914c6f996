// Package policy filters telemetry with Open Policy Agent (OPA) Rego
// policies.
//
// Every policy is evaluated against the serialized envelope of an item, after
// context initializers ran, so rules can inspect enriched tags. A policy
// drops an item by producing at least one deny message:
//
//	package crashrelay.filters.debug_builds
//
//	import rego.v1
//
//	deny contains msg if {
//		endswith(input.tags["application.version"], "-debug")
//		msg := "debug build"
//	}
//
// # Usage
//
// Creating an engine and loading custom policies:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/crashrelay/policies"}); err != nil {
//	    return err
//	}
//
//	if !eng.Allow(ctx, envelope) {
//	    // drop the item
//	}
//
// Evaluation errors never drop telemetry: Allow fails open and logs.
//
// # Built-in Policies
//
//   - empty-event-name: drops custom events without a name (enabled)
//   - synthetic-traffic: drops items tagged operation.syntheticSource
//     (disabled by default)
//
// # Hot Reload
//
// Loader.Watch watches policy files and directories with fsnotify and
// replaces the custom policy set after a short debounce. A reload that fails
// to compile keeps the previous set.
package policy
