package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParent      = errors.New("invalid parent anchor")
	ErrStageOrder         = errors.New("stage out of order")
	ErrSigningUnavailable = errors.New("signing unavailable")
	ErrRevokedEntity      = errors.New("signing entity revoked")
	ErrThresholdNotMet    = errors.New("signature threshold not met")
	ErrProofInvalid       = errors.New("proof verification failed")
	ErrBatchSealed        = errors.New("batch already sealed")
	ErrMalformedContext   = errors.New("malformed operation context")
	ErrUnknownGate        = errors.New("unknown gate")
	ErrNotFound           = errors.New("not found")
)

// PolicyViolationError is an expected, user-visible control-flow outcome:
// the operation was blocked by policy. It names the gate and policy version
// so a blocked caller knows exactly what triggered the decision.
type PolicyViolationError struct {
	OperationID   string
	Stage         Stage
	Gate          string
	Aggregate     VerdictStatus
	PolicyVersion string
	Reason        string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: operation %s blocked at stage %s by gate %q (aggregate %s, policy %s): %s",
		e.OperationID, e.Stage, e.Gate, e.Aggregate, e.PolicyVersion, e.Reason)
}
