package policyopa

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"ciaf/internal/domain"
)

const tighteningModule = `package ciaf.enforce

default result = {"action": ""}

result = {"action": "block", "reasons": ["drift gate warned during deployment"]} {
	input.stage == "deployment"
	v := input.verdicts[_]
	v.gate == "inference_drift"
	v.status == "WARN"
}
`

const looseningModule = `package ciaf.enforce

result = {"action": "allow", "reasons": ["overlay tried to loosen"]}
`

func writeBundle(t *testing.T, module string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "enforce.rego"), []byte(module), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return dir
}

func TestOverlayTightensAction(t *testing.T) {
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, tighteningModule), "")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	if engine.BundleHash() == "" {
		t.Fatal("expected a pinned bundle hash")
	}

	decision, err := engine.Evaluate(context.Background(), Input{
		Stage:     domain.StageDeployment,
		Aggregate: domain.StatusWarn,
		Action:    domain.ActionWarn,
		Verdicts: []domain.GateVerdict{
			{Gate: "inference_drift", Status: domain.StatusWarn},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != domain.ActionBlock {
		t.Fatalf("expected overlay to block, got %v", decision.Action)
	}
	if len(decision.Reasons) == 0 {
		t.Fatal("expected overlay reasons")
	}
}

func TestOverlayPassthroughWhenRuleDoesNotFire(t *testing.T) {
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, tighteningModule), "")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	decision, err := engine.Evaluate(context.Background(), Input{
		Stage:     domain.StageTraining,
		Aggregate: domain.StatusPass,
		Action:    domain.ActionAllow,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != domain.ActionAllow {
		t.Fatalf("expected table action to pass through, got %v", decision.Action)
	}
}

func TestOverlayCannotLoosenAction(t *testing.T) {
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, looseningModule), "")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	decision, err := engine.Evaluate(context.Background(), Input{
		Aggregate: domain.StatusFail,
		Action:    domain.ActionBlock,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != domain.ActionBlock {
		t.Fatalf("overlay loosened block to %v", decision.Action)
	}
}

func TestConfiguredQueryOverridesDefault(t *testing.T) {
	const module = `package acme.gatekeeping

strict = {"action": "block", "reasons": ["site policy"]} {
	input.aggregate == "WARN"
}
`
	engine, err := NewEngineFromBundlePath(context.Background(), writeBundle(t, module), "data.acme.gatekeeping.strict")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	decision, err := engine.Evaluate(context.Background(), Input{
		Aggregate: domain.StatusWarn,
		Action:    domain.ActionWarn,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != domain.ActionBlock {
		t.Fatalf("expected configured query to drive the decision, got %v", decision.Action)
	}
}

func TestNilEngineIsPassthrough(t *testing.T) {
	var engine *Engine
	decision, err := engine.Evaluate(context.Background(), Input{Action: domain.ActionEscalate})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != domain.ActionEscalate {
		t.Fatalf("expected passthrough, got %v", decision.Action)
	}
}

func TestBundleHashPinsNormativeContent(t *testing.T) {
	base := fstest.MapFS{
		"enforce.rego": {Data: []byte(tighteningModule)},
		"data.json":    {Data: []byte(`{"limits":{}}`)},
		"README.md":    {Data: []byte("docs")},
	}
	hashA, err := ComputeBundleHashFromFS(base, ".")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}

	// Non-normative files do not move the hash.
	base["README.md"] = &fstest.MapFile{Data: []byte("different docs")}
	hashB, err := ComputeBundleHashFromFS(base, ".")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatal("editing a non-normative file must not change the bundle hash")
	}

	base["enforce.rego"] = &fstest.MapFile{Data: []byte(looseningModule)}
	hashC, err := ComputeBundleHashFromFS(base, ".")
	if err != nil {
		t.Fatalf("hash c: %v", err)
	}
	if hashA == hashC {
		t.Fatal("editing a rego module must change the bundle hash")
	}
}
