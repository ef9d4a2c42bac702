package domain

// EnforcementAction is the operational consequence of an aggregate verdict.
type EnforcementAction string

const (
	ActionAllow    EnforcementAction = "allow"
	ActionWarn     EnforcementAction = "warn"
	ActionEscalate EnforcementAction = "escalate"
	ActionBlock    EnforcementAction = "block"
)

func (a EnforcementAction) Valid() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionEscalate, ActionBlock:
		return true
	}
	return false
}

// Strictness orders actions so overlays can tighten but never loosen a
// decision: allow < warn < escalate < block.
func (a EnforcementAction) Strictness() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionEscalate:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

type GatePolicy struct {
	Gate       string
	Enabled    bool
	Thresholds map[string]float64
	// On overrides the stage-level enforcement table for this gate's
	// verdict status. Nil entries fall through to the stage table.
	On map[VerdictStatus]EnforcementAction
}

type StagePolicy struct {
	Stage    Stage
	FailFast bool
	Gates    []GatePolicy
	On       map[VerdictStatus]EnforcementAction
}

// ActionFor resolves the enforcement action for an aggregate status,
// consulting the triggering gate's override first, then the stage table,
// then the fail-closed defaults.
func (p StagePolicy) ActionFor(status VerdictStatus, triggeringGate string) EnforcementAction {
	for _, g := range p.Gates {
		if g.Gate != triggeringGate {
			continue
		}
		if action, ok := g.On[status]; ok {
			return action
		}
	}
	if action, ok := p.On[status]; ok {
		return action
	}
	return defaultActionFor(status)
}

func defaultActionFor(status VerdictStatus) EnforcementAction {
	switch status {
	case StatusFail:
		return ActionBlock
	case StatusReview:
		return ActionEscalate
	case StatusWarn:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// Policy is an immutable versioned configuration. Every enforcement
// decision references the exact version that governed it.
type Policy struct {
	Version string
	Stages  map[Stage]StagePolicy
}

func (p Policy) StagePolicy(stage Stage) (StagePolicy, bool) {
	sp, ok := p.Stages[stage]
	return sp, ok
}
