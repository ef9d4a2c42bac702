// Package gates holds the runtime catalog of pluggable evaluators. Gates
// are attached to stages by registration calls, never by editing
// orchestrator logic.
package gates

import (
	"context"
	"fmt"
	"sync"

	"ciaf/internal/domain"
)

// PlannedGate is a registry gate with the active policy's thresholds
// attached, ready for dispatch.
type PlannedGate struct {
	Gate       domain.Gate
	Thresholds map[string]float64
}

type Registry struct {
	mu      sync.RWMutex
	byStage map[domain.Stage][]domain.Gate
	byName  map[string]domain.Gate
}

func NewRegistry() *Registry {
	return &Registry{
		byStage: make(map[domain.Stage][]domain.Gate),
		byName:  make(map[string]domain.Gate),
	}
}

// Register attaches a gate to a stage. Registration order is dispatch
// order.
func (r *Registry) Register(stage domain.Stage, gate domain.Gate) error {
	if !stage.Valid() {
		return fmt.Errorf("register gate %q: unknown stage %q", gate.Name(), stage)
	}
	if gate.Name() == "" {
		return fmt.Errorf("register gate for stage %s: empty name", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[gate.Name()]; ok && existing != gate {
		return fmt.Errorf("gate %q already registered", gate.Name())
	}
	r.byName[gate.Name()] = gate
	r.byStage[stage] = append(r.byStage[stage], gate)
	return nil
}

// ForStage returns the gates registered for a stage in registration order.
func (r *Registry) ForStage(stage domain.Stage) []domain.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Gate(nil), r.byStage[stage]...)
}

// Plan filters the stage's registered gates to those the policy enables
// and attaches each gate's thresholds. A policy referencing a gate that
// is not registered for the stage fails with ErrUnknownGate: policy and
// registry drifting apart is a configuration fault, not something to
// skip silently.
func (r *Registry) Plan(policy domain.StagePolicy) ([]PlannedGate, error) {
	r.mu.RLock()
	registered := make(map[string]struct{}, len(r.byStage[policy.Stage]))
	for _, gate := range r.byStage[policy.Stage] {
		registered[gate.Name()] = struct{}{}
	}
	r.mu.RUnlock()

	enabled := make(map[string]domain.GatePolicy, len(policy.Gates))
	for _, gp := range policy.Gates {
		if _, ok := registered[gp.Gate]; !ok {
			return nil, fmt.Errorf("%w: %q not registered for stage %s", domain.ErrUnknownGate, gp.Gate, policy.Stage)
		}
		if gp.Enabled {
			enabled[gp.Gate] = gp
		}
	}

	var plan []PlannedGate
	for _, gate := range r.ForStage(policy.Stage) {
		gp, ok := enabled[gate.Name()]
		if !ok {
			continue
		}
		plan = append(plan, PlannedGate{Gate: gate, Thresholds: gp.Thresholds})
	}
	return plan, nil
}

// Func adapts a plain function into a Gate, for tests and simple
// evaluators.
type Func struct {
	GateName string
	Fn       func(ctx context.Context, input domain.GateInput) (domain.GateVerdict, error)
}

func (f Func) Name() string { return f.GateName }

func (f Func) Evaluate(ctx context.Context, input domain.GateInput) (domain.GateVerdict, error) {
	return f.Fn(ctx, input)
}
