package usecase

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"ciaf/internal/domain"
	"ciaf/internal/gates"
	"ciaf/internal/infra/anchors"
	"ciaf/internal/infra/batch"
	"ciaf/internal/infra/crypto"
	"ciaf/internal/infra/policyopa"
)

// Orchestrator state machine. SEALED and ABORTED are terminal.
const (
	StateIdle         = "IDLE"
	StateGatesRunning = "GATES_RUNNING"
	StateAggregating  = "AGGREGATING"
	StateEnforcing    = "ENFORCING"
	StateSealed       = "SEALED"
	StateAborted      = "ABORTED"
)

type OrchestratorConfig struct {
	// GateTimeout bounds each gate evaluation; a timed-out gate verdicts
	// REVIEW, never PASS.
	GateTimeout time.Duration
	// EscalationTimeout bounds the human-in-the-loop wait; expiry blocks
	// the operation (fail-closed).
	EscalationTimeout time.Duration
}

// OrchestratorDeps wires the provenance engine into the orchestrator.
// Everything is passed explicitly; the orchestrator holds no ambient
// state.
type OrchestratorDeps struct {
	Registry *gates.Registry
	Policy   domain.Policy
	Overlay  *policyopa.Engine
	Anchors  *anchors.Store
	Sealer   *ReceiptSealer
	Trail    domain.TrailStore
	Batcher  *batch.Batcher
	Reviews  *ReviewQueue
	Diag     *log.Logger
	Clock    Clock
}

type Orchestrator struct {
	deps OrchestratorDeps
	cfg  OrchestratorConfig

	mu  sync.Mutex
	seq map[string]int64
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Diag == nil {
		deps.Diag = log.Default()
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 30 * time.Second
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = 24 * time.Hour
	}
	return &Orchestrator{deps: deps, cfg: cfg, seq: make(map[string]int64)}
}

// StageResult is the outcome of one stage run.
type StageResult struct {
	State     string
	Aggregate domain.VerdictStatus
	Action    domain.EnforcementAction
	Receipt   domain.Receipt
	Review    *domain.Receipt
}

// RunStage drives one operation context through the gate state machine
// for its stage. On block it returns the sealed receipt together with a
// *domain.PolicyViolationError; on abort no receipt is sealed and an
// unsealed diagnostic is logged instead.
func (o *Orchestrator) RunStage(ctx context.Context, opCtx *domain.OperationContext) (StageResult, error) {
	state := StateIdle

	if err := validateContext(opCtx); err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}

	policy, ok := o.deps.Policy.StagePolicy(opCtx.Stage)
	if !ok {
		// A stage no policy governs must not run ungated.
		err := fmt.Errorf("%w: no policy for stage %s", domain.ErrMalformedContext, opCtx.Stage)
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}
	plan, err := o.deps.Registry.Plan(policy)
	if err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}

	chain := o.deps.Anchors.Chain(opCtx.LifecycleID)
	anchor, err := chain.Derive(opCtx.Stage, []byte(opCtx.Metadata["anchor_salt"]))
	if err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}

	state = StateGatesRunning
	verdicts := o.runGates(ctx, plan, opCtx, policy.FailFast)

	state = StateAggregating
	aggregate := domain.WorstStatus(verdicts)
	triggering := triggeringGate(verdicts, aggregate)

	state = StateEnforcing
	action := policy.ActionFor(aggregate, triggering)
	overlayHash := ""
	reasons := []string(nil)
	if o.deps.Overlay != nil {
		decision, err := o.deps.Overlay.Evaluate(ctx, policyopa.Input{
			OperationID:   opCtx.OperationID,
			LifecycleID:   opCtx.LifecycleID,
			Stage:         opCtx.Stage,
			PolicyVersion: o.deps.Policy.Version,
			Aggregate:     aggregate,
			Action:        action,
			Verdicts:      verdicts,
		})
		if err != nil {
			o.abort(opCtx, state, fmt.Errorf("policy overlay: %w", err))
			return StageResult{State: StateAborted}, err
		}
		action = decision.Action
		reasons = decision.Reasons
		overlayHash = o.deps.Overlay.BundleHash()
	}

	reason := ""
	var reviewReceipt *domain.Receipt
	if action == domain.ActionEscalate {
		finalAction, sealedReview, escalationReason, err := o.escalate(ctx, opCtx, anchor, overlayHash, verdicts, aggregate)
		if err != nil {
			o.abort(opCtx, state, err)
			return StageResult{State: StateAborted}, err
		}
		action = finalAction
		reviewReceipt = sealedReview
		reason = escalationReason
	}
	if action == domain.ActionBlock && reason == "" {
		reason = fmt.Sprintf("gate %q returned %s", triggering, aggregate)
	}
	if len(reasons) > 0 {
		reason = joinReasons(reason, reasons)
	}

	seq, err := o.nextSeq(ctx, opCtx.LifecycleID)
	if err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}
	receipt := domain.Receipt{
		OperationID:       opCtx.OperationID,
		LifecycleID:       opCtx.LifecycleID,
		Stage:             opCtx.Stage,
		Kind:              domain.ReceiptKindStage,
		Seq:               seq,
		AnchorDigest:      hex.EncodeToString(anchor.Digest),
		PolicyVersion:     o.deps.Policy.Version,
		PolicyOverlayHash: overlayHash,
		Summary: domain.VerdictSummary{
			Aggregate: aggregate,
			Action:    action,
			Verdicts:  verdicts,
			Warnings:  warningsOf(verdicts),
			Reason:    reason,
		},
	}
	receipt.EvidenceDigest, err = crypto.EvidenceDigest(opCtx.Evidence)
	if err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}

	sealed, err := o.sealAndRecord(ctx, receipt, domain.RolePlatformOperator)
	if err != nil {
		o.abort(opCtx, state, err)
		return StageResult{State: StateAborted}, err
	}
	state = StateSealed

	result := StageResult{
		State:     state,
		Aggregate: aggregate,
		Action:    action,
		Receipt:   sealed,
		Review:    reviewReceipt,
	}
	if action == domain.ActionBlock {
		return result, &domain.PolicyViolationError{
			OperationID:   opCtx.OperationID,
			Stage:         opCtx.Stage,
			Gate:          triggering,
			Aggregate:     aggregate,
			PolicyVersion: o.deps.Policy.Version,
			Reason:        reason,
		}
	}
	return result, nil
}

func validateContext(opCtx *domain.OperationContext) error {
	if opCtx == nil {
		return fmt.Errorf("%w: nil context", domain.ErrMalformedContext)
	}
	if opCtx.OperationID == "" || opCtx.LifecycleID == "" {
		return fmt.Errorf("%w: operation and lifecycle ids are required", domain.ErrMalformedContext)
	}
	if !opCtx.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", domain.ErrMalformedContext, opCtx.Stage)
	}
	return nil
}

// runGates dispatches the planned gates. Without fail-fast all gates run
// concurrently: they are read-only over the shared context. With
// fail-fast they run in plan order and the first FAIL skips the rest.
func (o *Orchestrator) runGates(ctx context.Context, plan []gates.PlannedGate, opCtx *domain.OperationContext, failFast bool) []domain.GateVerdict {
	verdicts := make([]domain.GateVerdict, len(plan))

	if failFast {
		for i, pg := range plan {
			verdicts[i] = o.evaluateGate(ctx, pg, opCtx)
			if verdicts[i].Status == domain.StatusFail {
				for j := i + 1; j < len(plan); j++ {
					verdicts[j] = domain.GateVerdict{
						Gate:   plan[j].Gate.Name(),
						Stage:  opCtx.Stage,
						Status: domain.StatusSkipped,
					}
				}
				break
			}
		}
		return verdicts
	}

	var wg sync.WaitGroup
	for i, pg := range plan {
		wg.Add(1)
		go func(i int, pg gates.PlannedGate) {
			defer wg.Done()
			verdicts[i] = o.evaluateGate(ctx, pg, opCtx)
		}(i, pg)
	}
	wg.Wait()
	return verdicts
}

// evaluateGate runs one gate under the configured timeout. A timeout, an
// error, a panic, or a malformed verdict all resolve to REVIEW with the
// failure recorded, never to a silent PASS.
func (o *Orchestrator) evaluateGate(ctx context.Context, pg gates.PlannedGate, opCtx *domain.OperationContext) domain.GateVerdict {
	gateCtx, cancel := context.WithTimeout(ctx, o.cfg.GateTimeout)
	defer cancel()

	type outcome struct {
		verdict domain.GateVerdict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("gate panicked: %v", r)}
			}
		}()
		verdict, err := pg.Gate.Evaluate(gateCtx, domain.GateInput{Op: opCtx, Thresholds: pg.Thresholds})
		done <- outcome{verdict: verdict, err: err}
	}()

	review := func(why string) domain.GateVerdict {
		return domain.GateVerdict{
			Gate:            pg.Gate.Name(),
			Stage:           opCtx.Stage,
			Status:          domain.StatusReview,
			Recommendations: []string{why},
		}
	}

	select {
	case <-gateCtx.Done():
		return review("gate evaluation timed out")
	case out := <-done:
		if out.err != nil {
			return review(fmt.Sprintf("gate evaluation failed: %v", out.err))
		}
		verdict := out.verdict
		verdict.Gate = pg.Gate.Name()
		verdict.Stage = opCtx.Stage
		if !verdict.Status.Valid() || verdict.Status == domain.StatusSkipped {
			return review(fmt.Sprintf("gate returned invalid status %q", out.verdict.Status))
		}
		return verdict
	}
}

// escalate suspends the operation on the review queue. The wait is
// bounded: past EscalationTimeout the operation is blocked, never
// allowed. A delivered human decision is sealed as its own review
// receipt, symmetric with automated verdicts.
func (o *Orchestrator) escalate(ctx context.Context, opCtx *domain.OperationContext, anchor domain.Anchor, overlayHash string, verdicts []domain.GateVerdict, aggregate domain.VerdictStatus) (domain.EnforcementAction, *domain.Receipt, string, error) {
	pending, decisionCh := o.deps.Reviews.Open(opCtx.OperationID, opCtx.LifecycleID, opCtx.Stage)

	timer := time.NewTimer(o.cfg.EscalationTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		o.deps.Reviews.Abandon(pending.ReviewID)
		return "", nil, "", fmt.Errorf("escalation wait: %w", ctx.Err())
	case <-timer.C:
		o.deps.Reviews.Abandon(pending.ReviewID)
		return domain.ActionBlock, nil, fmt.Sprintf("escalation review %s timed out after %s", pending.ReviewID, o.cfg.EscalationTimeout), nil
	case decision := <-decisionCh:
		action := domain.ActionBlock
		reason := fmt.Sprintf("review %s denied by %s", decision.ReviewID, decision.Reviewer)
		if decision.Approved {
			action = domain.ActionAllow
			reason = ""
		}

		note := fmt.Sprintf("approved=%t by %s", decision.Approved, decision.Reviewer)
		if decision.Note != "" {
			note += ": " + decision.Note
		}
		seq, err := o.nextSeq(ctx, opCtx.LifecycleID)
		if err != nil {
			return "", nil, "", err
		}
		review := domain.Receipt{
			OperationID:       opCtx.OperationID,
			LifecycleID:       opCtx.LifecycleID,
			Stage:             opCtx.Stage,
			Kind:              domain.ReceiptKindReview,
			Seq:               seq,
			AnchorDigest:      hex.EncodeToString(anchor.Digest),
			PolicyVersion:     o.deps.Policy.Version,
			PolicyOverlayHash: overlayHash,
			Summary: domain.VerdictSummary{
				Aggregate: aggregate,
				Action:    action,
				Verdicts:  verdicts,
				Reason:    note,
			},
		}
		digest, err := crypto.EvidenceDigest(opCtx.Evidence)
		if err != nil {
			return "", nil, "", err
		}
		review.EvidenceDigest = digest

		sealed, err := o.sealAndRecord(ctx, review, domain.RoleAuditor)
		if err != nil {
			return "", nil, "", err
		}
		return action, &sealed, reason, nil
	}
}

// sealAndRecord is the single transition that mutates persistent state:
// the receipt is sealed, appended to the trail, and its digest handed to
// the batcher. Failures up to the trail append abort the run; once the
// sealed receipt is in the trail the run has a receipt and must not be
// reported as aborted, so a batching failure is logged and the receipt
// returned anyway.
func (o *Orchestrator) sealAndRecord(ctx context.Context, receipt domain.Receipt, role domain.Role) (domain.Receipt, error) {
	sealed, err := o.deps.Sealer.Seal(ctx, receipt, role)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := o.deps.Trail.Append(ctx, sealed); err != nil {
		return domain.Receipt{}, fmt.Errorf("append receipt: %w", err)
	}
	digest, err := crypto.ReceiptDigest(sealed)
	if err != nil {
		o.deps.Diag.Printf("receipt %s sealed but not batched: %v", sealed.ID, err)
		return sealed, nil
	}
	if err := o.deps.Batcher.Add(ctx, sealed.ID, digest); err != nil {
		o.deps.Diag.Printf("receipt %s sealed but not batched: %v", sealed.ID, err)
	}
	return sealed, nil
}

// abort logs the unsealed diagnostic for an aborted run. The asymmetry
// is deliberate: evidentiary receipts are sealed, operational
// diagnostics are not.
func (o *Orchestrator) abort(opCtx *domain.OperationContext, state string, cause error) {
	diag := domain.AbortDiagnostic{
		State:  state,
		Reason: cause.Error(),
		At:     o.deps.Clock().UTC(),
	}
	if opCtx != nil {
		diag.OperationID = opCtx.OperationID
		diag.LifecycleID = opCtx.LifecycleID
		diag.Stage = opCtx.Stage
	}
	line, err := json.Marshal(diag)
	if err != nil {
		o.deps.Diag.Printf("orchestrator abort: %v (diagnostic encode failed: %v)", cause, err)
		return
	}
	o.deps.Diag.Printf("orchestrator abort: %s", line)
}

// nextSeq hands out per-lifecycle sequence numbers. The counter lives
// in process memory but the trail may be durable, so a lifecycle's
// first number after a restart is seeded from the trail's highest Seq
// rather than restarting at 1 against historical receipts.
func (o *Orchestrator) nextSeq(ctx context.Context, lifecycleID string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seq[lifecycleID]; !ok {
		receipts, err := o.deps.Trail.List(ctx, domain.TrailQuery{LifecycleID: lifecycleID})
		if err != nil {
			return 0, fmt.Errorf("seed sequence for lifecycle %s: %w", lifecycleID, err)
		}
		var max int64
		for _, r := range receipts {
			if r.Seq > max {
				max = r.Seq
			}
		}
		o.seq[lifecycleID] = max
	}
	o.seq[lifecycleID]++
	return o.seq[lifecycleID], nil
}

func triggeringGate(verdicts []domain.GateVerdict, aggregate domain.VerdictStatus) string {
	for _, v := range verdicts {
		if v.Status == aggregate {
			return v.Gate
		}
	}
	return ""
}

func warningsOf(verdicts []domain.GateVerdict) []string {
	var warnings []string
	for _, v := range verdicts {
		if v.Status == domain.StatusWarn {
			warnings = append(warnings, fmt.Sprintf("gate %q returned WARN", v.Gate))
		}
	}
	return warnings
}

func joinReasons(reason string, extra []string) string {
	for _, r := range extra {
		if reason == "" {
			reason = r
			continue
		}
		reason += "; " + r
	}
	return reason
}
