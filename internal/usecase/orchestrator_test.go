package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"ciaf/internal/domain"
	"ciaf/internal/gates"
	"ciaf/internal/infra/anchors"
	"ciaf/internal/infra/auditmem"
	"ciaf/internal/infra/batch"
	"ciaf/internal/infra/keys/soft"
	"ciaf/internal/infra/trust"
)

type harness struct {
	orchestrator *Orchestrator
	registry     *gates.Registry
	trail        *auditmem.Trail
	batcher      *batch.Batcher
	reviews      *ReviewQueue
	trust        *trust.Layer
	diag         *bytes.Buffer
}

func newHarness(t *testing.T, policy domain.Policy, cfg OrchestratorConfig) *harness {
	t.Helper()

	layer := trust.NewLayer(soft.NewManager(), nil)
	for _, role := range []domain.Role{domain.RolePlatformOperator, domain.RoleAuditor} {
		if _, err := layer.Register(string(role)+"-1", role, 0); err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}

	registry := gates.NewRegistry()
	trail := auditmem.New()
	batcher := batch.New(batch.Config{
		Roles:     []domain.Role{domain.RolePlatformOperator, domain.RoleAuditor},
		Threshold: 1,
	}, layer)
	reviews := NewReviewQueue(nil)
	diag := &bytes.Buffer{}

	orchestrator := NewOrchestrator(OrchestratorDeps{
		Registry: registry,
		Policy:   policy,
		Anchors:  anchors.NewStore([]byte("test-root-secret"), nil),
		Sealer:   NewReceiptSealer(layer, nil, 1, time.Millisecond),
		Trail:    trail,
		Batcher:  batcher,
		Reviews:  reviews,
		Diag:     log.New(diag, "", 0),
	}, cfg)

	return &harness{
		orchestrator: orchestrator,
		registry:     registry,
		trail:        trail,
		batcher:      batcher,
		reviews:      reviews,
		trust:        layer,
		diag:         diag,
	}
}

func statusGate(name string, status domain.VerdictStatus) gates.Func {
	return gates.Func{
		GateName: name,
		Fn: func(context.Context, domain.GateInput) (domain.GateVerdict, error) {
			return domain.GateVerdict{Status: status}, nil
		},
	}
}

func datasetPolicy(failFast bool, on map[domain.VerdictStatus]domain.EnforcementAction, gateNames ...string) domain.Policy {
	sp := domain.StagePolicy{Stage: domain.StageDataset, FailFast: failFast, On: on}
	for _, name := range gateNames {
		sp.Gates = append(sp.Gates, domain.GatePolicy{Gate: name, Enabled: true})
	}
	return domain.Policy{
		Version: "2026.1",
		Stages:  map[domain.Stage]domain.StagePolicy{domain.StageDataset: sp},
	}
}

func datasetContext(operationID string) *domain.OperationContext {
	return &domain.OperationContext{
		OperationID: operationID,
		LifecycleID: "lc-" + operationID,
		Stage:       domain.StageDataset,
		Evidence:    []domain.EvidenceRef{{Name: "dataset_manifest", Digest: "dd"}},
	}
}

func TestRunStageAllPass(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "a", "b"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("a", domain.StatusPass))
	mustRegister(t, h.registry, domain.StageDataset, statusGate("b", domain.StatusPass))

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.State != StateSealed {
		t.Fatalf("expected SEALED, got %s", result.State)
	}
	if result.Aggregate != domain.StatusPass || result.Action != domain.ActionAllow {
		t.Fatalf("unexpected outcome: %s / %s", result.Aggregate, result.Action)
	}
	if result.Receipt.Signature.Value == nil {
		t.Fatal("stage receipt must be sealed")
	}
	if result.Receipt.AnchorDigest == "" {
		t.Fatal("receipt must reference the stage anchor")
	}
	if result.Receipt.PolicyVersion != "2026.1" {
		t.Fatalf("receipt must pin the policy version, got %q", result.Receipt.PolicyVersion)
	}
	if len(result.Receipt.Summary.Verdicts) != 2 {
		t.Fatalf("expected 2 verdicts in the summary, got %d", len(result.Receipt.Summary.Verdicts))
	}

	stored, err := h.trail.Get(context.Background(), result.Receipt.ID)
	if err != nil {
		t.Fatalf("receipt missing from trail: %v", err)
	}
	if err := VerifyReceipt(h.trust, *stored); err != nil {
		t.Fatalf("verify stored receipt: %v", err)
	}
}

func TestRunStageBlocksOnFail(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "quality"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("quality", domain.StatusFail))

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	var violation *domain.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected PolicyViolationError, got %v", err)
	}
	if violation.Gate != "quality" || violation.Aggregate != domain.StatusFail {
		t.Fatalf("unexpected violation: %+v", violation)
	}
	if violation.PolicyVersion != "2026.1" {
		t.Fatalf("violation must pin the policy version, got %q", violation.PolicyVersion)
	}

	// A block is still a sealed outcome: the decision itself is evidence.
	if result.State != StateSealed {
		t.Fatalf("expected SEALED, got %s", result.State)
	}
	if result.Receipt.Summary.Action != domain.ActionBlock {
		t.Fatalf("receipt action must be block, got %s", result.Receipt.Summary.Action)
	}
	if _, err := h.trail.Get(context.Background(), result.Receipt.ID); err != nil {
		t.Fatalf("blocked receipt missing from trail: %v", err)
	}
}

func TestWorstStatusWinsAcrossGates(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "a", "b", "c"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("a", domain.StatusPass))
	mustRegister(t, h.registry, domain.StageDataset, statusGate("b", domain.StatusWarn))
	mustRegister(t, h.registry, domain.StageDataset, statusGate("c", domain.StatusPass))

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Aggregate != domain.StatusWarn || result.Action != domain.ActionWarn {
		t.Fatalf("unexpected outcome: %s / %s", result.Aggregate, result.Action)
	}
	if len(result.Receipt.Summary.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(result.Receipt.Summary.Warnings))
	}
}

func TestGateTimeoutResolvesToReview(t *testing.T) {
	policy := datasetPolicy(false, map[domain.VerdictStatus]domain.EnforcementAction{
		domain.StatusReview: domain.ActionWarn,
	}, "slow")
	h := newHarness(t, policy, OrchestratorConfig{GateTimeout: 20 * time.Millisecond})
	mustRegister(t, h.registry, domain.StageDataset, gates.Func{
		GateName: "slow",
		Fn: func(ctx context.Context, _ domain.GateInput) (domain.GateVerdict, error) {
			select {
			case <-ctx.Done():
				return domain.GateVerdict{}, ctx.Err()
			case <-time.After(time.Second):
				return domain.GateVerdict{Status: domain.StatusPass}, nil
			}
		},
	})

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Aggregate != domain.StatusReview {
		t.Fatalf("timed-out gate must aggregate REVIEW, got %s", result.Aggregate)
	}
}

func TestGatePanicResolvesToReview(t *testing.T) {
	policy := datasetPolicy(false, map[domain.VerdictStatus]domain.EnforcementAction{
		domain.StatusReview: domain.ActionWarn,
	}, "broken")
	h := newHarness(t, policy, OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, gates.Func{
		GateName: "broken",
		Fn: func(context.Context, domain.GateInput) (domain.GateVerdict, error) {
			panic("gate bug")
		},
	})

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Aggregate != domain.StatusReview {
		t.Fatalf("panicking gate must aggregate REVIEW, got %s", result.Aggregate)
	}
}

func TestGateErrorNeverPasses(t *testing.T) {
	policy := datasetPolicy(false, map[domain.VerdictStatus]domain.EnforcementAction{
		domain.StatusReview: domain.ActionWarn,
	}, "failing")
	h := newHarness(t, policy, OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, gates.Func{
		GateName: "failing",
		Fn: func(context.Context, domain.GateInput) (domain.GateVerdict, error) {
			return domain.GateVerdict{}, fmt.Errorf("backend unreachable")
		},
	})

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Aggregate != domain.StatusReview {
		t.Fatalf("erroring gate must aggregate REVIEW, got %s", result.Aggregate)
	}
}

func TestFailFastSkipsRemainingGates(t *testing.T) {
	h := newHarness(t, datasetPolicy(true, nil, "first", "second", "third"), OrchestratorConfig{})
	var thirdRan bool
	mustRegister(t, h.registry, domain.StageDataset, statusGate("first", domain.StatusPass))
	mustRegister(t, h.registry, domain.StageDataset, statusGate("second", domain.StatusFail))
	mustRegister(t, h.registry, domain.StageDataset, gates.Func{
		GateName: "third",
		Fn: func(context.Context, domain.GateInput) (domain.GateVerdict, error) {
			thirdRan = true
			return domain.GateVerdict{Status: domain.StatusPass}, nil
		},
	})

	result, _ := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if thirdRan {
		t.Fatal("fail-fast must not run gates after the first FAIL")
	}
	verdicts := result.Receipt.Summary.Verdicts
	if len(verdicts) != 3 {
		t.Fatalf("expected verdicts for all planned gates, got %d", len(verdicts))
	}
	if verdicts[2].Status != domain.StatusSkipped {
		t.Fatalf("expected SKIPPED for the third gate, got %s", verdicts[2].Status)
	}
	if result.Aggregate != domain.StatusFail {
		t.Fatalf("SKIPPED must not dilute the aggregate, got %s", result.Aggregate)
	}
}

func runEscalation(t *testing.T, h *harness, opCtx *domain.OperationContext) (chan StageResult, chan error) {
	t.Helper()
	results := make(chan StageResult, 1)
	errs := make(chan error, 1)
	go func() {
		result, err := h.orchestrator.RunStage(context.Background(), opCtx)
		results <- result
		errs <- err
	}()
	return results, errs
}

func awaitPendingReview(t *testing.T, h *harness) PendingReview {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := h.reviews.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no review opened in time")
	return PendingReview{}
}

func TestEscalationApproved(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "judgement"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("judgement", domain.StatusReview))

	results, errs := runEscalation(t, h, datasetContext("op-1"))
	pending := awaitPendingReview(t, h)
	if pending.Stage != domain.StageDataset {
		t.Fatalf("unexpected pending review: %+v", pending)
	}
	if err := h.reviews.Resolve(pending.ReviewID, domain.ReviewDecision{
		Approved: true,
		Reviewer: "auditor-1",
		Note:     "manually inspected",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	result := <-results
	if err := <-errs; err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Action != domain.ActionAllow {
		t.Fatalf("approved review must allow, got %s", result.Action)
	}
	if result.Review == nil {
		t.Fatal("expected a sealed review receipt")
	}
	if result.Review.Kind != domain.ReceiptKindReview {
		t.Fatalf("expected review kind, got %s", result.Review.Kind)
	}
	if result.Review.Signature.EntityID != "auditor-1" {
		t.Fatalf("review receipts are sealed by the auditor, got %s", result.Review.Signature.EntityID)
	}
	if result.Review.Seq >= result.Receipt.Seq {
		t.Fatal("review receipt must precede the stage receipt in sequence")
	}
	if _, err := h.trail.Get(context.Background(), result.Review.ID); err != nil {
		t.Fatalf("review receipt missing from trail: %v", err)
	}
}

func TestEscalationDenied(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "judgement"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("judgement", domain.StatusReview))

	results, errs := runEscalation(t, h, datasetContext("op-1"))
	pending := awaitPendingReview(t, h)
	if err := h.reviews.Resolve(pending.ReviewID, domain.ReviewDecision{
		Approved: false,
		Reviewer: "auditor-1",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	result := <-results
	err := <-errs
	var violation *domain.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("denied review must block, got %v", err)
	}
	if result.Action != domain.ActionBlock {
		t.Fatalf("expected block, got %s", result.Action)
	}
	if result.Review == nil {
		t.Fatal("denial must still seal a review receipt")
	}
}

func TestEscalationTimeoutBlocks(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "judgement"), OrchestratorConfig{
		EscalationTimeout: 30 * time.Millisecond,
	})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("judgement", domain.StatusReview))

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	var violation *domain.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expired escalation must block, got %v", err)
	}
	if result.Action != domain.ActionBlock {
		t.Fatalf("expected block, got %s", result.Action)
	}
	if result.Review != nil {
		t.Fatal("a timeout is not a human decision; no review receipt expected")
	}
	if !strings.Contains(result.Receipt.Summary.Reason, "timed out") {
		t.Fatalf("receipt must explain the timeout, got %q", result.Receipt.Summary.Reason)
	}
	if len(h.reviews.Pending()) != 0 {
		t.Fatal("expired review must be removed from the queue")
	}
}

func TestSequencePerLifecycleIsMonotonic(t *testing.T) {
	policy := datasetPolicy(false, nil, "ok")
	policy.Stages[domain.StageModel] = domain.StagePolicy{
		Stage: domain.StageModel,
		Gates: []domain.GatePolicy{{Gate: "model_ok", Enabled: true}},
	}
	h := newHarness(t, policy, OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("ok", domain.StatusPass))
	mustRegister(t, h.registry, domain.StageModel, statusGate("model_ok", domain.StatusPass))

	opA := datasetContext("op-1")
	first, err := h.orchestrator.RunStage(context.Background(), opA)
	if err != nil {
		t.Fatalf("run dataset: %v", err)
	}
	second, err := h.orchestrator.RunStage(context.Background(), &domain.OperationContext{
		OperationID: "op-2",
		LifecycleID: opA.LifecycleID,
		Stage:       domain.StageModel,
	})
	if err != nil {
		t.Fatalf("run model: %v", err)
	}
	if second.Receipt.Seq <= first.Receipt.Seq {
		t.Fatalf("sequence must be monotonic per lifecycle: %d then %d", first.Receipt.Seq, second.Receipt.Seq)
	}
}

func TestStageOrderViolationAborts(t *testing.T) {
	policy := domain.Policy{
		Version: "2026.1",
		Stages: map[domain.Stage]domain.StagePolicy{
			domain.StageTraining: {Stage: domain.StageTraining},
		},
	}
	h := newHarness(t, policy, OrchestratorConfig{})

	result, err := h.orchestrator.RunStage(context.Background(), &domain.OperationContext{
		OperationID: "op-1",
		LifecycleID: "lc-1",
		Stage:       domain.StageTraining,
	})
	if !errors.Is(err, domain.ErrStageOrder) {
		t.Fatalf("expected ErrStageOrder, got %v", err)
	}
	if result.State != StateAborted {
		t.Fatalf("expected ABORTED, got %s", result.State)
	}
	if !strings.Contains(h.diag.String(), "orchestrator abort") {
		t.Fatal("abort must log a diagnostic")
	}
}

func TestMissingStagePolicyAborts(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil), OrchestratorConfig{})
	_, err := h.orchestrator.RunStage(context.Background(), &domain.OperationContext{
		OperationID: "op-1",
		LifecycleID: "lc-1",
		Stage:       domain.StageModel,
	})
	if !errors.Is(err, domain.ErrMalformedContext) {
		t.Fatalf("ungoverned stage must not run, got %v", err)
	}
}

func TestMalformedContextAborts(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil), OrchestratorConfig{})
	cases := []*domain.OperationContext{
		nil,
		{LifecycleID: "lc-1", Stage: domain.StageDataset},
		{OperationID: "op-1", Stage: domain.StageDataset},
		{OperationID: "op-1", LifecycleID: "lc-1", Stage: "nonsense"},
	}
	for i, opCtx := range cases {
		if _, err := h.orchestrator.RunStage(context.Background(), opCtx); !errors.Is(err, domain.ErrMalformedContext) {
			t.Fatalf("case %d: expected ErrMalformedContext, got %v", i, err)
		}
	}
}

func TestSigningFailureAbortsWithDiagnostic(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "ok"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("ok", domain.StatusPass))
	if err := h.trust.Revoke("platform_operator-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if !errors.Is(err, domain.ErrRevokedEntity) {
		t.Fatalf("expected ErrRevokedEntity, got %v", err)
	}
	if result.State != StateAborted {
		t.Fatalf("expected ABORTED, got %s", result.State)
	}
	if !strings.Contains(h.diag.String(), "ENFORCING") {
		t.Fatalf("diagnostic must name the failing state, got %q", h.diag.String())
	}

	all, err := h.trail.List(context.Background(), domain.TrailQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatal("aborted runs must not leave receipts in the trail")
	}
}

func TestVerdictsAreDeterministicAcrossRuns(t *testing.T) {
	run := func() StageResult {
		h := newHarness(t, datasetPolicy(false, nil, "a", "b"), OrchestratorConfig{})
		mustRegister(t, h.registry, domain.StageDataset, statusGate("a", domain.StatusWarn))
		mustRegister(t, h.registry, domain.StageDataset, statusGate("b", domain.StatusPass))
		result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
		if err != nil {
			t.Fatalf("run stage: %v", err)
		}
		return result
	}

	first, second := run(), run()
	if first.Aggregate != second.Aggregate || first.Action != second.Action {
		t.Fatal("identical inputs must produce identical outcomes")
	}
	if first.Receipt.AnchorDigest != second.Receipt.AnchorDigest {
		t.Fatal("identical lifecycles must derive identical anchors")
	}
	if first.Receipt.EvidenceDigest != second.Receipt.EvidenceDigest {
		t.Fatal("identical evidence must digest identically")
	}
	for i := range first.Receipt.Summary.Verdicts {
		if first.Receipt.Summary.Verdicts[i].Status != second.Receipt.Summary.Verdicts[i].Status {
			t.Fatalf("verdict %d differs across runs", i)
		}
	}
}

func TestSequenceResumesFromTrail(t *testing.T) {
	h := newHarness(t, datasetPolicy(false, nil, "a"), OrchestratorConfig{})
	mustRegister(t, h.registry, domain.StageDataset, statusGate("a", domain.StatusPass))

	// The trail outlives the process; a fresh orchestrator must continue
	// the lifecycle's sequence, not restart it against historical
	// receipts.
	if err := h.trail.Append(context.Background(), domain.Receipt{
		ID:          "historic",
		OperationID: "op-0",
		LifecycleID: "lc-op-1",
		Stage:       domain.StageDataset,
		Kind:        domain.ReceiptKindStage,
		Seq:         7,
	}); err != nil {
		t.Fatalf("seed trail: %v", err)
	}

	result, err := h.orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.Receipt.Seq != 8 {
		t.Fatalf("expected sequence to resume at 8, got %d", result.Receipt.Seq)
	}
}

func TestBatchThresholdFailureDoesNotAbortSealedRun(t *testing.T) {
	layer := trust.NewLayer(soft.NewManager(), nil)
	for _, role := range []domain.Role{domain.RolePlatformOperator, domain.RoleAuditor} {
		if _, err := layer.Register(string(role)+"-1", role, 0); err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}
	registry := gates.NewRegistry()
	mustRegister(t, registry, domain.StageDataset, statusGate("a", domain.StatusPass))
	trail := auditmem.New()
	// Three roles required but only two hold keys: the count bound fires
	// on the first receipt and the root countersignature falls short.
	batcher := batch.New(batch.Config{
		MaxCount:  1,
		Roles:     []domain.Role{domain.RoleModelOwner, domain.RolePlatformOperator, domain.RoleAuditor},
		Threshold: 3,
	}, layer)
	diag := &bytes.Buffer{}

	orchestrator := NewOrchestrator(OrchestratorDeps{
		Registry: registry,
		Policy:   datasetPolicy(false, nil, "a"),
		Anchors:  anchors.NewStore([]byte("test-root-secret"), nil),
		Sealer:   NewReceiptSealer(layer, nil, 1, time.Millisecond),
		Trail:    trail,
		Batcher:  batcher,
		Reviews:  NewReviewQueue(nil),
		Diag:     log.New(diag, "", 0),
	}, OrchestratorConfig{})

	result, err := orchestrator.RunStage(context.Background(), datasetContext("op-1"))
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if result.State != StateSealed {
		t.Fatalf("a sealed, trailed receipt must not report %s", result.State)
	}
	if _, err := trail.Get(context.Background(), result.Receipt.ID); err != nil {
		t.Fatalf("receipt missing from trail: %v", err)
	}
	if err := batcher.LastSealError(); !errors.Is(err, domain.ErrThresholdNotMet) {
		t.Fatalf("expected deferred threshold failure, got %v", err)
	}
	if strings.Contains(diag.String(), "orchestrator abort") {
		t.Fatalf("batching failure must not abort the run: %s", diag.String())
	}
}

func mustRegister(t *testing.T, r *gates.Registry, stage domain.Stage, gate domain.Gate) {
	t.Helper()
	if err := r.Register(stage, gate); err != nil {
		t.Fatalf("register gate: %v", err)
	}
}
