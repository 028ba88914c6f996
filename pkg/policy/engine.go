package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine compiles and evaluates filter policies. It is safe for concurrent
// use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.put(cp)
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs every enabled policy against a serialized envelope.
func (e *Engine) Evaluate(ctx context.Context, envelope []byte) (*Decision, error) {
	start := time.Now()

	var input map[string]interface{}
	if err := json.Unmarshal(envelope, &input); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.order)),
	}

	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		messages, err := evalDeny(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, msg := range messages {
			decision.Violations = append(decision.Violations, Violation{Policy: name, Message: msg})
		}
	}

	decision.Allowed = len(decision.Violations) == 0
	decision.Duration = time.Since(start)
	return decision, nil
}

// Allow reports whether an envelope passes every enabled policy. Any
// evaluation error allows the item.
func (e *Engine) Allow(ctx context.Context, envelope []byte) bool {
	decision, err := e.Evaluate(ctx, envelope)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Filter evaluation failed, keeping item")
		return true
	}
	if !decision.Allowed {
		e.logger.Debug().
			Str("policy", decision.Violations[0].Policy).
			Str("reason", decision.Violations[0].Message).
			Msg("Item dropped by filter")
	}
	return decision.Allowed
}

// evalDeny returns the deny messages a policy produced.
func evalDeny(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			messages = append(messages, denyMessage(d))
		}
	}
	sort.Strings(messages)
	return messages, nil
}

// denyMessage extracts the message from a deny entry, which may be a string
// or an object with a message field.
func denyMessage(v interface{}) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query := module.Package.Path.String() + ".deny"
	r := rego.New(
		rego.Query(query),
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}

	e.logger.Debug().Str("policy", policy.Name).Str("query", query).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: policy, query: prepared, compiled: time.Now()}, nil
}

// put stores a compiled policy. Callers hold mu or own e exclusively.
func (e *Engine) put(cp *compiledPolicy) {
	if _, exists := e.policies[cp.policy.Name]; !exists {
		e.order = append(e.order, cp.policy.Name)
		sort.Strings(e.order)
	}
	e.policies[cp.policy.Name] = cp
}

// LoadPolicies loads policy files and directories and adds them to the
// engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any of them
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.put(cp)
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// ReplacePolicies swaps the custom policy set for policies, keeping the
// built-ins. The previous set stays active if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	e.order = e.order[:0]
	for name := range e.policies {
		e.order = append(e.order, name)
	}
	sort.Strings(e.order)

	for _, cp := range compiled {
		e.put(cp)
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies replaced")
	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}
	return compiled, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
