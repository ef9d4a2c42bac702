package http

import (
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"ciaf/internal/domain"
	"ciaf/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type runStageRequest struct {
	OperationID string               `json:"operation_id"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
	Evidence    []domain.EvidenceRef `json:"evidence,omitempty"`
}

type runStageResponse struct {
	State     string               `json:"state"`
	Aggregate domain.VerdictStatus `json:"aggregate"`
	Action    string               `json:"action"`
	Receipt   domain.Receipt       `json:"receipt"`
	Review    *domain.Receipt      `json:"review,omitempty"`
}

type reviewDecisionRequest struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleRunStage(c *gin.Context) {
	stage := domain.Stage(c.Param("stage"))
	if !stage.Valid() {
		writeErrorCode(c, http.StatusBadRequest, "UNKNOWN_STAGE", "unknown stage")
		return
	}
	var req runStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}

	opCtx := &domain.OperationContext{
		OperationID: req.OperationID,
		LifecycleID: c.Param("lifecycle_id"),
		Stage:       stage,
		Metadata:    req.Metadata,
		Evidence:    req.Evidence,
		ReceivedAt:  time.Now().UTC(),
	}

	result, err := s.orchestrator.RunStage(c.Request.Context(), opCtx)
	if err != nil {
		var violation *domain.PolicyViolationError
		if errors.As(err, &violation) {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "POLICY_VIOLATION",
				"message": violation.Reason,
				"details": gin.H{
					"operation_id":   violation.OperationID,
					"stage":          violation.Stage,
					"gate":           violation.Gate,
					"aggregate":      violation.Aggregate,
					"policy_version": violation.PolicyVersion,
				},
				"receipt": result.Receipt,
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, runStageResponse{
		State:     result.State,
		Aggregate: result.Aggregate,
		Action:    string(result.Action),
		Receipt:   result.Receipt,
		Review:    result.Review,
	})
}

func (s *Server) handleGetAnchor(c *gin.Context) {
	stage := domain.Stage(c.Param("stage"))
	if !stage.Valid() {
		writeErrorCode(c, http.StatusBadRequest, "UNKNOWN_STAGE", "unknown stage")
		return
	}
	chain := s.anchors.Chain(c.Param("lifecycle_id"))
	anchor, ok := chain.Anchor(stage)
	if !ok {
		writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lifecycle_id":  anchor.LifecycleID,
		"stage":         anchor.Stage,
		"digest":        hex.EncodeToString(anchor.Digest),
		"parent_digest": hex.EncodeToString(anchor.ParentDigest),
		"derived_at":    anchor.DerivedAt.UTC(),
	})
}

func (s *Server) handleListReviews(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reviews": s.reviews.Pending()})
}

func (s *Server) handleReviewDecision(c *gin.Context) {
	var req reviewDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Reviewer == "" {
		writeErrorCode(c, http.StatusBadRequest, "REVIEWER_REQUIRED", "reviewer is required")
		return
	}
	err := s.reviews.Resolve(c.Param("review_id"), domain.ReviewDecision{
		Approved: req.Approved,
		Reviewer: req.Reviewer,
		Note:     req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review_id": c.Param("review_id"), "status": "resolved"})
}

func (s *Server) handleListReceipts(c *gin.Context) {
	query := domain.TrailQuery{
		OperationID: c.Query("operation_id"),
		LifecycleID: c.Query("lifecycle_id"),
	}
	if stage := c.Query("stage"); stage != "" {
		query.Stage = domain.Stage(stage)
		if !query.Stage.Valid() {
			writeErrorCode(c, http.StatusBadRequest, "UNKNOWN_STAGE", "unknown stage")
			return
		}
	}
	receipts, err := s.compiler.List(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	receipt, err := s.compiler.Receipt(c.Request.Context(), c.Param("receipt_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleExportProofBundle(c *gin.Context) {
	bundle, err := s.compiler.ExportProofBundle(c.Request.Context(), c.Param("operation_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleVerifyProofBundle(c *gin.Context) {
	var bundle domain.ProofBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if err := usecase.VerifyProofBundle(bundle); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrMalformedContext):
		status, code = http.StatusBadRequest, "MALFORMED_CONTEXT"
	case errors.Is(err, domain.ErrStageOrder):
		status, code = http.StatusConflict, "STAGE_ORDER"
	case errors.Is(err, domain.ErrInvalidParent):
		status, code = http.StatusConflict, "INVALID_PARENT"
	case errors.Is(err, domain.ErrUnknownGate):
		status, code = http.StatusBadRequest, "UNKNOWN_GATE"
	case errors.Is(err, domain.ErrProofInvalid):
		status, code = http.StatusBadRequest, "PROOF_INVALID"
	case errors.Is(err, domain.ErrThresholdNotMet):
		status, code = http.StatusServiceUnavailable, "THRESHOLD_NOT_MET"
	case errors.Is(err, domain.ErrSigningUnavailable):
		status, code = http.StatusServiceUnavailable, "SIGNING_UNAVAILABLE"
	case errors.Is(err, domain.ErrRevokedEntity):
		status, code = http.StatusConflict, "ENTITY_REVOKED"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
