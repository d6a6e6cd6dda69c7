// Package scheduler closes batches that stayed open past their pipeline's
// max_days bound, on a cron schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/internal/metrics"
	"github.com/wehubfusion/Asclepius/pkg/batch"
	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// Scheduler runs the periodic batch-expiry sweep.
type Scheduler struct {
	batches *batch.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
	spec    string
	cron    *cron.Cron
}

// New creates a scheduler. spec is a cron expression; empty means hourly.
// metrics may be nil.
func New(batches *batch.Service, m *metrics.Metrics, logger *zap.Logger, spec string) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = "@hourly"
	}
	return &Scheduler{
		batches: batches,
		metrics: m,
		logger:  logger,
		spec:    spec,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("batch expiry scheduler started", zap.String("spec", s.spec))
	return nil
}

// Stop stops the cron loop, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("batch expiry scheduler stopped")
}

// Sweep closes every open batch past its pipeline's max_days. Failures on
// individual batches are logged and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	expired, err := s.batches.GetBatchesPastMaxDays(ctx)
	if err != nil {
		s.logger.Error("listing expired batches failed", zap.Error(err))
		return
	}
	for _, b := range expired {
		if _, err := s.batches.CloseBatch(ctx, b.ID); err != nil {
			s.logger.Error("closing expired batch failed",
				zap.String("batch", b.ID), zap.Error(err))
			continue
		}
		s.metrics.BatchTransition(claim.BatchClosed)
		s.logger.Info("closed expired batch",
			zap.String("batch", b.ID),
			zap.String("pipeline", b.PipelineID),
			zap.Time("opened_at", b.OpenedAt))
	}
}
