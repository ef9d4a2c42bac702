package domain

import "time"

type ReceiptKind string

const (
	// ReceiptKindStage seals the gate verdicts and enforcement outcome of
	// one stage run.
	ReceiptKindStage ReceiptKind = "stage"
	// ReceiptKindReview seals a human escalation decision, symmetric with
	// automated verdicts.
	ReceiptKindReview ReceiptKind = "review"
)

// VerdictSummary aggregates the gate verdicts sealed into a receipt.
type VerdictSummary struct {
	Aggregate VerdictStatus     `json:"aggregate"`
	Action    EnforcementAction `json:"action"`
	Verdicts  []GateVerdict     `json:"verdicts,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Receipt is a compact tamper-evident record of one operation. The
// signature covers the canonical encoding of every other field: a
// single-bit change invalidates it.
type Receipt struct {
	ID          string      `json:"id"`
	OperationID string      `json:"operation_id"`
	LifecycleID string      `json:"lifecycle_id"`
	Stage       Stage       `json:"stage"`
	Kind        ReceiptKind `json:"kind"`

	// Seq is a per-lifecycle monotonic counter; a later stage's receipt
	// never carries a lower Seq than an earlier stage's.
	Seq      int64     `json:"seq"`
	WallTime time.Time `json:"wall_time"`

	AnchorDigest      string `json:"anchor_digest"`
	EvidenceDigest    string `json:"evidence_digest"`
	PolicyVersion     string `json:"policy_version"`
	PolicyOverlayHash string `json:"policy_overlay_hash,omitempty"`

	Summary VerdictSummary `json:"summary"`

	Signature Signature `json:"signature"`
}

// ReviewDecision is the human resolution of an escalated operation.
type ReviewDecision struct {
	ReviewID    string    `json:"review_id"`
	OperationID string    `json:"operation_id"`
	Approved    bool      `json:"approved"`
	Reviewer    string    `json:"reviewer"`
	Note        string    `json:"note,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// AbortDiagnostic is logged locally when a run aborts before sealing.
// Unlike receipts it is deliberately not cryptographically sealed: it
// exists for operational debugging, not as evidence.
type AbortDiagnostic struct {
	OperationID string    `json:"operation_id"`
	LifecycleID string    `json:"lifecycle_id"`
	Stage       Stage     `json:"stage"`
	State       string    `json:"state"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}
