// Package contracts defines the telemetry item model shared by every
// crashrelay component and the envelope codec that turns items into the
// bytes stored in the queue and posted to the collector.
//
// # Items
//
// An Item is created at the call site, enriched by context initializers,
// serialized once and never mutated afterwards:
//
//	item := contracts.NewEvent("checkout.completed", map[string]string{"cart": "3"})
//	item.Context[contracts.TagUserID] = "u-42"
//	data, err := contracts.Marshal(item)
//
// # Envelope
//
// Marshal produces a deterministic JSON envelope:
//
//	{"id":"...","name":"crashrelay.Event","time":"2024-01-02T03:04:05Z",
//	 "iKey":"...","tags":{"user.id":"u-42"},
//	 "data":{"baseType":"EventData","baseData":{"name":"checkout.completed"}}}
//
// Map keys are sorted and struct fields have a fixed order, so the same item
// always encodes to the same bytes. Values a collector cannot accept (invalid
// UTF-8, NaN, over-long strings) are replaced by placeholders instead of
// failing the item.
package contracts
