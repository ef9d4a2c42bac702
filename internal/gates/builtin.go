package gates

import (
	"context"
	"fmt"
	"strconv"

	"ciaf/internal/domain"
)

// MetricGate checks one numeric metric reported in the operation's
// metadata under "metric:<key>" against the policy thresholds "min"
// (below fails) and "warn_below" (below warns). A missing or
// unparseable metric resolves to REVIEW: absence of data is never a
// pass.
type MetricGate struct {
	GateName string
	Metric   string
}

func (g MetricGate) Name() string { return g.GateName }

func (g MetricGate) Evaluate(_ context.Context, input domain.GateInput) (domain.GateVerdict, error) {
	verdict := domain.GateVerdict{Gate: g.GateName, Stage: input.Op.Stage}

	raw, ok := input.Op.Metadata["metric:"+g.Metric]
	if !ok {
		verdict.Status = domain.StatusReview
		verdict.Recommendations = []string{fmt.Sprintf("metric %q not reported", g.Metric)}
		return verdict, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		verdict.Status = domain.StatusReview
		verdict.Recommendations = []string{fmt.Sprintf("metric %q is not numeric: %q", g.Metric, raw)}
		return verdict, nil
	}
	verdict.Metrics = map[string]float64{g.Metric: value}

	if min, ok := input.Thresholds["min"]; ok && value < min {
		verdict.Status = domain.StatusFail
		verdict.Recommendations = []string{fmt.Sprintf("%s %.4f below minimum %.4f", g.Metric, value, min)}
		return verdict, nil
	}
	if warn, ok := input.Thresholds["warn_below"]; ok && value < warn {
		verdict.Status = domain.StatusWarn
		verdict.Recommendations = []string{fmt.Sprintf("%s %.4f below target %.4f", g.Metric, value, warn)}
		return verdict, nil
	}
	verdict.Status = domain.StatusPass
	return verdict, nil
}

// EvidenceGate requires named evidence references to be attached. The
// threshold "min_items" additionally bounds the total evidence count.
type EvidenceGate struct {
	GateName string
	Required []string
}

func (g EvidenceGate) Name() string { return g.GateName }

func (g EvidenceGate) Evaluate(_ context.Context, input domain.GateInput) (domain.GateVerdict, error) {
	verdict := domain.GateVerdict{Gate: g.GateName, Stage: input.Op.Stage}

	present := make(map[string]bool, len(input.Op.Evidence))
	for _, ref := range input.Op.Evidence {
		present[ref.Name] = true
	}
	var missing []string
	for _, name := range g.Required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		verdict.Status = domain.StatusFail
		for _, name := range missing {
			verdict.Recommendations = append(verdict.Recommendations, fmt.Sprintf("missing evidence %q", name))
		}
		return verdict, nil
	}
	if min, ok := input.Thresholds["min_items"]; ok && float64(len(input.Op.Evidence)) < min {
		verdict.Status = domain.StatusWarn
		verdict.Recommendations = []string{fmt.Sprintf("only %d evidence items attached, expected %.0f", len(input.Op.Evidence), min)}
		return verdict, nil
	}
	verdict.Status = domain.StatusPass
	return verdict, nil
}

// RegisterDefaults installs the stock lifecycle gates. Deployments
// extend or replace these through the registry before the server
// starts.
func RegisterDefaults(r *Registry) error {
	defaults := []struct {
		stage domain.Stage
		gate  domain.Gate
	}{
		{domain.StageDataset, EvidenceGate{GateName: "dataset_manifest", Required: []string{"dataset_manifest"}}},
		{domain.StageDataset, MetricGate{GateName: "dataset_completeness", Metric: "completeness"}},
		{domain.StageModel, EvidenceGate{GateName: "model_card", Required: []string{"model_card"}}},
		{domain.StageTraining, MetricGate{GateName: "training_accuracy", Metric: "accuracy"}},
		{domain.StageTraining, MetricGate{GateName: "training_fairness", Metric: "fairness"}},
		{domain.StageDeployment, EvidenceGate{GateName: "deployment_approval", Required: []string{"deployment_manifest"}}},
		{domain.StageInference, MetricGate{GateName: "inference_drift", Metric: "drift"}},
	}
	for _, d := range defaults {
		if err := r.Register(d.stage, d.gate); err != nil {
			return err
		}
	}
	return nil
}
