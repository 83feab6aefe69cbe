package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
	"github.com/zammer/payout-engine/internal/service"
)

// Scheduler is the periodic driver of the engine. Each pass builds new
// batches, submits due pending batches, re-drives failed batches whose
// retry window has opened, and reconciles in-flight batches. Several
// scheduler instances may run concurrently: the per-batch claims make
// overlapping passes safe.
type Scheduler struct {
	builder    *service.BatchBuilder
	submitter  *service.Submitter
	reconciler *service.Reconciler
	batches    repository.BatchRepository
	logger     *zap.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	now        func() time.Time
}

// New creates a new scheduler
func New(
	builder *service.BatchBuilder,
	submitter *service.Submitter,
	reconciler *service.Reconciler,
	batches repository.BatchRepository,
	logger *zap.Logger,
	m *metrics.Metrics,
	interval time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		builder:    builder,
		submitter:  submitter,
		reconciler: reconciler,
		batches:    batches,
		logger:     logger,
		metrics:    m,
		interval:   interval,
		now:        time.Now,
	}
}

// Run executes passes until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting payout scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payout scheduler stopped")
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs one full scheduling pass. Claim losses and approval holds are
// expected outcomes and are skipped without error.
func (s *Scheduler) Pass(ctx context.Context) {
	start := s.now()
	s.buildAndSubmit(ctx)
	s.retryFailed(ctx)
	s.reconcileInFlight(ctx)
	s.metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) buildAndSubmit(ctx context.Context) {
	now := s.now()

	if _, err := s.builder.BuildBatches(ctx, now); err != nil {
		s.logger.Error("Batch build failed", zap.Error(err))
	}

	pending, err := s.batches.FindPendingBatches(ctx, now, 0)
	if err != nil {
		s.logger.Error("Failed to find pending batches", zap.Error(err))
		return
	}
	for _, batch := range pending {
		if batch.RequiresApproval() {
			s.logger.Info("Batch held for approval",
				zap.String("batchTransferId", batch.BatchTransferID),
				zap.String("totalAmount", batch.TotalAmount.String()),
			)
			continue
		}
		if err := s.submitter.SubmitNew(ctx, batch); err != nil {
			s.logSubmitOutcome(batch, err)
		}
	}
}

func (s *Scheduler) retryFailed(ctx context.Context) {
	now := s.now()

	retryable, err := s.batches.FindRetryableBatches(ctx, now, 0)
	if err != nil {
		s.logger.Error("Failed to find retryable batches", zap.Error(err))
		return
	}
	for _, batch := range retryable {
		if err := s.submitter.Retry(ctx, batch); err != nil {
			s.logSubmitOutcome(batch, err)
		}
	}
}

func (s *Scheduler) reconcileInFlight(ctx context.Context) {
	processing, err := s.batches.FindProcessingBatches(ctx, 0)
	if err != nil {
		s.logger.Error("Failed to find processing batches", zap.Error(err))
		return
	}
	for _, batch := range processing {
		if _, err := s.reconciler.Reconcile(ctx, batch); err != nil {
			s.logger.Error("Reconciliation failed",
				zap.String("batchTransferId", batch.BatchTransferID),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) logSubmitOutcome(batch *model.PayoutBatch, err error) {
	switch {
	case errors.Is(err, repository.ErrClaimLost):
		// Another worker owns the batch; nothing to do.
		s.logger.Debug("Batch claim lost",
			zap.String("batchTransferId", batch.BatchTransferID),
		)
	case errors.Is(err, service.ErrAwaitingApproval), errors.Is(err, service.ErrRetryNotDue):
		s.logger.Debug("Batch skipped",
			zap.String("batchTransferId", batch.BatchTransferID),
			zap.Error(err),
		)
	default:
		s.logger.Error("Batch submission error",
			zap.String("batchTransferId", batch.BatchTransferID),
			zap.Error(err),
		)
	}
}
