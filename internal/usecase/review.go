package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciaf/internal/domain"
)

// PendingReview is one escalated operation waiting on a human decision.
type PendingReview struct {
	ReviewID    string       `json:"review_id"`
	OperationID string       `json:"operation_id"`
	LifecycleID string       `json:"lifecycle_id"`
	Stage       domain.Stage `json:"stage"`
	OpenedAt    time.Time    `json:"opened_at"`
}

type pendingReview struct {
	summary  PendingReview
	decision chan domain.ReviewDecision
}

// ReviewQueue is the suspension point for escalated operations. Opening
// a review hands back a channel the orchestrator waits on; Resolve feeds
// exactly one decision into it. The wait itself is bounded by the
// orchestrator's escalation timeout, never by this queue.
type ReviewQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingReview
	clock   Clock
}

func NewReviewQueue(clock Clock) *ReviewQueue {
	if clock == nil {
		clock = time.Now
	}
	return &ReviewQueue{pending: make(map[string]*pendingReview), clock: clock}
}

func (q *ReviewQueue) Open(operationID, lifecycleID string, stage domain.Stage) (PendingReview, <-chan domain.ReviewDecision) {
	review := &pendingReview{
		summary: PendingReview{
			ReviewID:    uuid.NewString(),
			OperationID: operationID,
			LifecycleID: lifecycleID,
			Stage:       stage,
			OpenedAt:    q.clock().UTC(),
		},
		decision: make(chan domain.ReviewDecision, 1),
	}
	q.mu.Lock()
	q.pending[review.summary.ReviewID] = review
	q.mu.Unlock()
	return review.summary, review.decision
}

// Resolve delivers the human decision for a pending review. Resolving an
// unknown or already-resolved review fails with ErrNotFound.
func (q *ReviewQueue) Resolve(reviewID string, decision domain.ReviewDecision) error {
	q.mu.Lock()
	review, ok := q.pending[reviewID]
	if ok {
		delete(q.pending, reviewID)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("review %s: %w", reviewID, domain.ErrNotFound)
	}

	decision.ReviewID = reviewID
	decision.OperationID = review.summary.OperationID
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = q.clock().UTC()
	}
	review.decision <- decision
	return nil
}

// Abandon drops a pending review whose wait has timed out.
func (q *ReviewQueue) Abandon(reviewID string) {
	q.mu.Lock()
	delete(q.pending, reviewID)
	q.mu.Unlock()
}

// Pending lists open reviews for operator UIs.
func (q *ReviewQueue) Pending() []PendingReview {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingReview, 0, len(q.pending))
	for _, review := range q.pending {
		out = append(out, review.summary)
	}
	return out
}
