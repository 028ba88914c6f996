package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/contracts"
)

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func envelope(t *testing.T, item *contracts.Item) []byte {
	t.Helper()
	data, err := contracts.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := setupEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 built-in policies, got %d", len(policies))
	}
	for _, name := range []string{BuiltinEmptyEventName, BuiltinSyntheticTraffic} {
		p, err := eng.GetPolicy(name)
		if err != nil {
			t.Fatalf("built-in policy %s missing: %v", name, err)
		}
		if !p.Builtin {
			t.Errorf("policy %s not marked built-in", name)
		}
	}
}

func TestEngine_EmptyEventName(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		item  *contracts.Item
		allow bool
	}{
		{"named event", contracts.NewEvent("signup", nil), true},
		{"empty name", contracts.NewEvent("", nil), false},
		{"blank name", contracts.NewEvent("   ", nil), false},
		{"page view", contracts.NewPageView(""), true},
		{"metric", contracts.NewMetric("latency", 12), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eng.Allow(ctx, envelope(t, tt.item)); got != tt.allow {
				t.Errorf("Allow() = %v, want %v", got, tt.allow)
			}
		})
	}
}

func TestEngine_SyntheticTrafficToggle(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	item := contracts.NewEvent("probe", nil)
	item.Context[contracts.TagOperationSyn] = "availability-test"
	env := envelope(t, item)

	if !eng.Allow(ctx, env) {
		t.Fatal("disabled policy denied the item")
	}

	if err := eng.EnablePolicy(BuiltinSyntheticTraffic); err != nil {
		t.Fatal(err)
	}
	decision, err := eng.Evaluate(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || len(decision.Violations) != 1 {
		t.Fatalf("decision = %+v", decision)
	}
	if v := decision.Violations[0]; v.Policy != BuiltinSyntheticTraffic || v.Message != "synthetic traffic from availability-test" {
		t.Errorf("violation = %+v", v)
	}

	if err := eng.DisablePolicy(BuiltinSyntheticTraffic); err != nil {
		t.Fatal(err)
	}
	if !eng.Allow(ctx, env) {
		t.Error("policy still active after disable")
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_CustomPolicyOnTags(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	err := eng.AddPolicies(ctx, []Policy{{
		Name:    "debug-builds",
		Enabled: true,
		Rego: `package test.debug

import rego.v1

deny contains {"message": "debug build"} if {
	endswith(input.tags["application.version"], "-debug")
}
`,
	}})
	if err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	debug := contracts.NewEvent("start", nil)
	debug.Context[contracts.TagAppVersion] = "1.2.0-debug"
	release := contracts.NewEvent("start", nil)
	release.Context[contracts.TagAppVersion] = "1.2.0"

	decision, err := eng.Evaluate(ctx, envelope(t, debug))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || decision.Violations[0].Message != "debug build" {
		t.Errorf("debug build decision = %+v", decision)
	}
	if !eng.Allow(ctx, envelope(t, release)) {
		t.Error("release build was denied")
	}
}

func TestEngine_AddPoliciesAtomic(t *testing.T) {
	eng := setupEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Enabled: true, Rego: "package good\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
		{Name: "bad", Enabled: true, Rego: "package bad\n\ndeny contains"},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("partially added a failing policy set")
	}
}

func TestEngine_ReplacePoliciesKeepsBuiltins(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	first := Policy{Name: "first", Enabled: true, Rego: "package first\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}
	second := Policy{Name: "second", Enabled: true, Rego: "package second\n\nimport rego.v1\n\ndeny contains \"y\" if { false }\n"}

	if err := eng.ReplacePolicies(ctx, []Policy{first}); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReplacePolicies(ctx, []Policy{second}); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("replaced policy still present")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Error("new policy missing")
	}
	if _, err := eng.GetPolicy(BuiltinEmptyEventName); err != nil {
		t.Error("built-in policy removed by replace")
	}

	bad := Policy{Name: "broken", Enabled: true, Rego: "not rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{bad}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Error("failed replace dropped the previous set")
	}
}

func TestEngine_FailsOpen(t *testing.T) {
	eng := setupEngine(t)

	if !eng.Allow(context.Background(), []byte("not json")) {
		t.Error("undecodable envelope should be allowed")
	}

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:    "bad-arithmetic",
		Enabled: true,
		Rego: `package test.arith

import rego.v1

deny contains msg if {
	msg := input.id / 0
}
`,
	}})
	if err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), envelope(t, contracts.NewEvent("x", nil)))
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Errorf("erroring policy denied the item: %+v", decision)
	}
}
