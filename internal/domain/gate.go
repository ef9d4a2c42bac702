package domain

import (
	"context"
	"time"
)

// VerdictStatus is the outcome of one gate evaluation. Aggregation ranks
// FAIL > REVIEW > WARN > PASS; SKIPPED never worsens an aggregate.
type VerdictStatus string

const (
	StatusPass    VerdictStatus = "PASS"
	StatusWarn    VerdictStatus = "WARN"
	StatusFail    VerdictStatus = "FAIL"
	StatusReview  VerdictStatus = "REVIEW"
	StatusSkipped VerdictStatus = "SKIPPED"
)

func (s VerdictStatus) Valid() bool {
	switch s {
	case StatusPass, StatusWarn, StatusFail, StatusReview, StatusSkipped:
		return true
	}
	return false
}

// Rank orders statuses by severity for aggregation.
func (s VerdictStatus) Rank() int {
	switch s {
	case StatusFail:
		return 3
	case StatusReview:
		return 2
	case StatusWarn:
		return 1
	default:
		return 0
	}
}

// WorstStatus returns the most severe status among the given verdicts.
// An empty verdict set aggregates to PASS.
func WorstStatus(verdicts []GateVerdict) VerdictStatus {
	worst := StatusPass
	for _, v := range verdicts {
		if v.Status == StatusSkipped {
			continue
		}
		if v.Status.Rank() > worst.Rank() {
			worst = v.Status
		}
	}
	return worst
}

// EvidenceRef points at an evidence item owned by an external collaborator.
// The core only ever sees the canonical content digest, never the payload.
type EvidenceRef struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	MediaType string `json:"media_type,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// OperationContext is the unit of work flowing through the orchestrator.
// Gates read it but must never mutate it.
type OperationContext struct {
	OperationID string            `json:"operation_id"`
	LifecycleID string            `json:"lifecycle_id"`
	Stage       Stage             `json:"stage"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Evidence    []EvidenceRef     `json:"evidence,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

type GateVerdict struct {
	Gate            string             `json:"gate"`
	Stage           Stage              `json:"stage"`
	Status          VerdictStatus      `json:"status"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	EvidenceDigest  string             `json:"evidence_digest,omitempty"`
}

// GateInput carries the read-only operation context plus the thresholds the
// active policy attaches to this gate.
type GateInput struct {
	Op         *OperationContext
	Thresholds map[string]float64
}

// Gate is the single capability all pluggable evaluators implement.
// Evaluate must be a pure function of its input so verdicts are
// reproducible given the same context and policy.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, input GateInput) (GateVerdict, error)
}
