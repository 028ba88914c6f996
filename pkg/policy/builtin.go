package policy

// Built-in policy names.
const (
	BuiltinEmptyEventName   = "empty-event-name"
	BuiltinSyntheticTraffic = "synthetic-traffic"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		emptyEventNamePolicy(),
		syntheticTrafficPolicy(),
	}
}

// emptyEventNamePolicy drops custom events that carry no name.
func emptyEventNamePolicy() Policy {
	return Policy{
		Name:        BuiltinEmptyEventName,
		Description: "Drops custom events with an empty or blank name",
		Enabled:     true,
		Builtin:     true,
		Rego: `package crashrelay.builtin.event_name

import rego.v1

deny contains msg if {
	input.data.baseType == "EventData"
	name := object.get(input.data.baseData, "name", "")
	trim_space(name) == ""
	msg := sprintf("event %s has no name", [input.id])
}
`,
	}
}

// syntheticTrafficPolicy drops items produced by test probes and bots.
func syntheticTrafficPolicy() Policy {
	return Policy{
		Name:        BuiltinSyntheticTraffic,
		Description: "Drops items tagged with operation.syntheticSource",
		Enabled:     false,
		Builtin:     true,
		Rego: `package crashrelay.builtin.synthetic

import rego.v1

deny contains msg if {
	source := object.get(input.tags, "operation.syntheticSource", "")
	source != ""
	msg := sprintf("synthetic traffic from %s", [source])
}
`,
	}
}
