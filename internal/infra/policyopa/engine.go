// Package policyopa is an optional rego overlay on top of the declarative
// policy table. Operators who need conditions the YAML table cannot
// express (cross-gate metric relations, stage-dependent exceptions) load a
// bundle here; the overlay can tighten the enforcement decision but never
// loosen it. The bundle hash is pinned into every receipt produced while
// the overlay is active so historical decisions stay reproducible.
package policyopa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"ciaf/internal/domain"
)

const defaultQuery = "data.ciaf.enforce.result"

// Input is the document the overlay evaluates.
type Input struct {
	OperationID   string                   `json:"operation_id"`
	LifecycleID   string                   `json:"lifecycle_id"`
	Stage         domain.Stage             `json:"stage"`
	PolicyVersion string                   `json:"policy_version"`
	Aggregate     domain.VerdictStatus     `json:"aggregate"`
	Action        domain.EnforcementAction `json:"action"`
	Verdicts      []domain.GateVerdict     `json:"verdicts"`
}

type result struct {
	Action  string   `json:"action"`
	Reasons []string `json:"reasons,omitempty"`
}

// Decision is the overlay's contribution to enforcement.
type Decision struct {
	Action  domain.EnforcementAction
	Reasons []string
}

type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
}

// NewEngineFromBundlePath prepares the overlay query against a rego
// bundle on disk. An empty query selects data.ciaf.enforce.result.
func NewEngineFromBundlePath(ctx context.Context, bundlePath, query string) (*Engine, error) {
	if query == "" {
		query = defaultQuery
	}
	bundleHash, err := ComputeBundleHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{bundlePath}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &Engine{query: prepared, bundleHash: bundleHash}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

// Evaluate runs the overlay. The returned action is clamped to be at
// least as strict as the table's action: an overlay is a ratchet, not an
// override.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if e == nil {
		return Decision{Action: input.Action}, nil
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, errors.New("empty overlay result")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Decision{}, fmt.Errorf("decode overlay result: %w", err)
	}

	action := domain.EnforcementAction(res.Action)
	if res.Action == "" {
		action = input.Action
	}
	if !action.Valid() {
		return Decision{}, fmt.Errorf("overlay returned unknown action %q", res.Action)
	}
	if action.Strictness() < input.Action.Strictness() {
		action = input.Action
	}
	return Decision{Action: action, Reasons: res.Reasons}, nil
}
