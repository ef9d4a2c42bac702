// Package policyfile loads versioned YAML policy documents into immutable
// policy values. Policy is data: swapping a document never touches gate or
// orchestrator code, and every sealed decision references the version it
// ran under.
package policyfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ciaf/internal/domain"
)

type document struct {
	Version string     `yaml:"version"`
	Stages  []stageDoc `yaml:"stages"`
}

type stageDoc struct {
	Stage    string            `yaml:"stage"`
	FailFast bool              `yaml:"fail_fast"`
	On       map[string]string `yaml:"on"`
	Gates    []gateDoc         `yaml:"gates"`
}

type gateDoc struct {
	Name       string             `yaml:"name"`
	Enabled    *bool              `yaml:"enabled"`
	Thresholds map[string]float64 `yaml:"thresholds"`
	On         map[string]string  `yaml:"on"`
}

// Load reads and validates a policy document from disk.
func Load(path string) (domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse validates a policy document. Unknown stages, statuses or actions
// are load-time errors: a policy that cannot be interpreted exactly must
// never govern an operation.
func Parse(data []byte) (domain.Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if doc.Version == "" {
		return domain.Policy{}, fmt.Errorf("parse policy: version is required")
	}

	policy := domain.Policy{
		Version: doc.Version,
		Stages:  make(map[domain.Stage]domain.StagePolicy, len(doc.Stages)),
	}
	for _, sd := range doc.Stages {
		stage := domain.Stage(sd.Stage)
		if !stage.Valid() {
			return domain.Policy{}, fmt.Errorf("parse policy: unknown stage %q", sd.Stage)
		}
		if _, dup := policy.Stages[stage]; dup {
			return domain.Policy{}, fmt.Errorf("parse policy: duplicate stage %q", sd.Stage)
		}

		on, err := parseActionTable(sd.On)
		if err != nil {
			return domain.Policy{}, fmt.Errorf("parse policy: stage %s: %w", stage, err)
		}
		sp := domain.StagePolicy{
			Stage:    stage,
			FailFast: sd.FailFast,
			On:       on,
		}
		for _, gd := range sd.Gates {
			if gd.Name == "" {
				return domain.Policy{}, fmt.Errorf("parse policy: stage %s: gate without a name", stage)
			}
			gateOn, err := parseActionTable(gd.On)
			if err != nil {
				return domain.Policy{}, fmt.Errorf("parse policy: stage %s gate %s: %w", stage, gd.Name, err)
			}
			enabled := true
			if gd.Enabled != nil {
				enabled = *gd.Enabled
			}
			sp.Gates = append(sp.Gates, domain.GatePolicy{
				Gate:       gd.Name,
				Enabled:    enabled,
				Thresholds: gd.Thresholds,
				On:         gateOn,
			})
		}
		policy.Stages[stage] = sp
	}
	return policy, nil
}

func parseActionTable(raw map[string]string) (map[domain.VerdictStatus]domain.EnforcementAction, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	table := make(map[domain.VerdictStatus]domain.EnforcementAction, len(raw))
	for status, action := range raw {
		vs := domain.VerdictStatus(status)
		if !vs.Valid() || vs == domain.StatusSkipped {
			return nil, fmt.Errorf("unknown verdict status %q", status)
		}
		ea := domain.EnforcementAction(action)
		if !ea.Valid() {
			return nil, fmt.Errorf("unknown enforcement action %q", action)
		}
		table[vs] = ea
	}
	return table, nil
}
