package enrich

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/contracts"
)

type fixedDevice map[string]string

func (d fixedDevice) Snapshot() map[string]string { return d }

func TestApply_AddOnly(t *testing.T) {
	ctx := map[string]string{contracts.TagUserID: "explicit"}
	inits := []Initializer{
		Static{contracts.TagUserID: "inferred", contracts.TagAppVersion: "1.0"},
		Static{contracts.TagAppVersion: "2.0"},
		Snapshot(fixedDevice{contracts.TagDeviceModel: "Pixel 8"}),
	}

	if err := Apply(ctx, inits, zerolog.Nop()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := map[string]string{
		contracts.TagUserID:      "explicit",
		contracts.TagAppVersion:  "1.0",
		contracts.TagDeviceModel: "Pixel 8",
	}
	for k, v := range want {
		if ctx[k] != v {
			t.Errorf("ctx[%q] = %q, want %q", k, ctx[k], v)
		}
	}
}

func TestApply_CannotDelete(t *testing.T) {
	ctx := map[string]string{"keep": "me"}
	deleter := Func(func(c map[string]string) { delete(c, "keep") })

	if err := Apply(ctx, []Initializer{deleter}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if ctx["keep"] != "me" {
		t.Error("initializer removed an existing key")
	}
}

func TestApply_RecoversPanics(t *testing.T) {
	ctx := map[string]string{}
	inits := []Initializer{
		Func(func(c map[string]string) {
			c["partial"] = "x"
			panic("boom")
		}),
		nil,
		Static{"after": "ok"},
	}

	err := Apply(ctx, inits, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic to be reported, got %v", err)
	}
	if _, ok := ctx["partial"]; ok {
		t.Error("panicking initializer leaked a partial change")
	}
	if ctx["after"] != "ok" {
		t.Error("later initializers did not run")
	}
}

func TestUser(t *testing.T) {
	ctx := map[string]string{}
	User("").Initialize(ctx)
	if len(ctx) != 0 {
		t.Errorf("empty user id added tags: %v", ctx)
	}
	User("u-1").Initialize(ctx)
	if ctx[contracts.TagUserID] != "u-1" {
		t.Errorf("user tag = %q", ctx[contracts.TagUserID])
	}
}

func TestSessionTracker(t *testing.T) {
	s := NewSessionTracker()

	ctx := map[string]string{}
	s.Initialize(ctx)
	if _, ok := ctx[contracts.TagSessionID]; ok {
		t.Error("session tag added without an active session")
	}
	if _, ok := s.End(); ok {
		t.Error("End reported an active session")
	}

	first := s.Start()
	second := s.Start()
	if first == "" || first == second {
		t.Fatalf("session ids not unique: %q %q", first, second)
	}

	s.Initialize(ctx)
	if ctx[contracts.TagSessionID] != second {
		t.Errorf("session tag = %q, want %q", ctx[contracts.TagSessionID], second)
	}

	ended, ok := s.End()
	if !ok || ended != second || s.Current() != "" || s.Duration() != 0 {
		t.Errorf("End() = %q, %v; current %q", ended, ok, s.Current())
	}
}
