package policy

import (
	"time"
)

// Policy is a Rego filter with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with crashrelay.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny message produced by a policy.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the result of evaluating all enabled policies against one
// envelope.
type Decision struct {
	// Allowed is false when any policy denied the item.
	Allowed bool `json:"allowed"`

	// Violations lists the deny messages.
	Violations []Violation `json:"violations,omitempty"`

	// Errors lists policies whose evaluation failed. Failed policies do not
	// deny.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
