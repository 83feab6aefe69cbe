package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
	"github.com/zammer/payout-engine/internal/service"
)

// Handler exposes the operator surface of the engine: dashboard reads,
// approval decisions and manual overrides. It never submits to the
// gateway directly; all submissions go through the submitter's claims.
type Handler struct {
	store     repository.Store
	approval  *service.ApprovalService
	submitter *service.Submitter
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(store repository.Store, approval *service.ApprovalService, submitter *service.Submitter, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		approval:  approval,
		submitter: submitter,
		logger:    logger,
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		batches := api.Group("/batches")
		{
			batches.GET("", h.ListBatches)
			batches.GET("/:id", h.GetBatch)
			batches.GET("/:id/records", h.ListBatchRecords)
			batches.POST("/:id/approve", h.ApproveBatch)
			batches.POST("/:id/reject", h.RejectBatch)
			batches.POST("/:id/retry", h.ForceRetryBatch)
			batches.POST("/:id/cancel", h.ForceCancelBatch)
		}
		api.GET("/records", h.ListRecords)
	}
}

// Health returns the health status
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "payout-engine",
	})
}

// Ready returns the readiness status
func (h *Handler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "payout-engine",
	})
}

// batchView is the dashboard projection of a batch. OperatorState answers
// the one question the dashboard needs: is this batch done, in flight,
// about to retry on its own, or waiting on a human.
type batchView struct {
	*model.PayoutBatch
	OperatorState string     `json:"operatorState"`
	RetryAt       *time.Time `json:"retryAt,omitempty"`
	UnpaidPayouts int        `json:"unpaidPayouts,omitempty"`
}

func toBatchView(batch *model.PayoutBatch) batchView {
	view := batchView{PayoutBatch: batch}
	switch batch.Status {
	case model.BatchStatusCompleted:
		view.OperatorState = "succeeded"
	case model.BatchStatusPartiallyCompleted:
		view.OperatorState = "partially_completed"
		view.UnpaidPayouts = batch.FailedPayouts
	case model.BatchStatusCancelled:
		view.OperatorState = "cancelled"
	case model.BatchStatusFailed:
		if batch.Retryable && batch.ProcessingAttempts < model.MaxProcessingAttempts {
			view.OperatorState = "will_retry"
			view.RetryAt = batch.NextRetryAt
		} else {
			view.OperatorState = "needs_action"
		}
	case model.BatchStatusPending:
		if batch.RequiresApproval() {
			view.OperatorState = "awaiting_approval"
		} else {
			view.OperatorState = "queued"
		}
	default:
		view.OperatorState = "in_progress"
	}
	return view
}

// ListBatches returns batches, optionally filtered by status
func (h *Handler) ListBatches(c *gin.Context) {
	filter := repository.BatchFilter{
		Status: model.BatchStatus(c.Query("status")),
		Limit:  50,
	}
	batches, err := h.store.ListBatches(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for _, batch := range batches {
		views = append(views, toBatchView(batch))
	}
	c.JSON(http.StatusOK, gin.H{"batches": views})
}

// GetBatch returns a single batch with its operator view
func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.store.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

// ListBatchRecords returns the member records of a batch
func (h *Handler) ListBatchRecords(c *gin.Context) {
	records, err := h.store.ListBatchRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ListRecords returns payout records, optionally filtered
func (h *Handler) ListRecords(c *gin.Context) {
	filter := repository.RecordFilter{
		Status:        model.RecordStatus(c.Query("status")),
		BeneficiaryID: c.Query("beneficiaryId"),
		Limit:         100,
	}
	records, err := h.store.ListRecords(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type approveRequest struct {
	Approver string `json:"approver" binding:"required"`
}

// ApproveBatch passes the approval checkpoint for a batch
func (h *Handler) ApproveBatch(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.approval.Approve(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

type rejectRequest struct {
	Approver string `json:"approver" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// RejectBatch rejects and cancels a batch awaiting approval
func (h *Handler) RejectBatch(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.approval.Reject(c.Request.Context(), c.Param("id"), req.Approver, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

type overrideRequest struct {
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason"`
}

// ForceRetryBatch manually re-drives a failed batch through the gateway
func (h *Handler) ForceRetryBatch(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.submitter.ForceRetry(c.Request.Context(), c.Param("id"), req.Operator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

// ForceCancelBatch cancels an exhausted failed batch and releases its
// unsettled records for rebatching
func (h *Handler) ForceCancelBatch(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.submitter.ForceCancel(c.Request.Context(), c.Param("id"), req.Operator, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchView(batch))
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrClaimLost):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
