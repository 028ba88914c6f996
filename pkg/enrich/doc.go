// Package enrich provides context initializers: small components that stamp
// ambient tags (device, application, session, user) onto every telemetry item
// before it is serialized.
//
// Initializers only add. A key already present on the item, whether set by
// the caller or by an earlier initializer, is never overwritten, and a failing
// initializer leaves the item untouched:
//
//	inits := []enrich.Initializer{
//		enrich.Static(map[string]string{contracts.TagAppVersion: "1.4.2"}),
//		sessions,
//		enrich.User("u-42"),
//	}
//	enrich.Apply(item.Context, inits, logger)
//
// # Scripts
//
// Script runs a Starlark file that defines initialize(ctx). The function
// receives the current tags as a dict and returns a dict of tags to add:
//
//	def initialize(ctx):
//	    if ctx.get("device.model", "").startswith("Pixel"):
//	        return {"device.family": "pixel"}
//	    return {}
//
// Execution is bounded by a step budget and a timeout.
package enrich
