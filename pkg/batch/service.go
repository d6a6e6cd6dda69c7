// Package batch implements the settlement lifecycle of claim batches: a
// guarded finite state machine over open, closed, verified, exported and
// settled. Pipeline executions group documents into open batches; operators
// drive the remaining transitions explicitly, and every precondition
// violation fails loudly with a descriptive error and no partial state
// change.
package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// Store is the persistence surface of the batch service. Lookup methods
// return nil without error when no row matches; ExportDocuments must apply
// the batch transition and the document status flips in one transaction.
type Store interface {
	GetBatch(ctx context.Context, id string) (*claim.Batch, error)
	FindOpenBatch(ctx context.Context, pipelineID, groupKey string) (*claim.Batch, error)
	CreateBatch(ctx context.Context, b *claim.Batch) error
	UpdateBatch(ctx context.Context, b *claim.Batch) error
	// AssignDocument links a document to the batch and increments the
	// batch's document count in one transaction, returning the new count.
	// A document already linked to the batch is not counted again.
	AssignDocument(ctx context.Context, docID, batchID string) (int, error)
	CountPendingDocuments(ctx context.Context, batchID string) (int, error)
	// ExportDocuments atomically marks the batch exported and flips its
	// validated documents to exported status.
	ExportDocuments(ctx context.Context, batchID, exportKey string, at time.Time) error
	ListOpenBatches(ctx context.Context) ([]claim.Batch, error)
	BatchConfig(ctx context.Context, pipelineID string) (claim.BatchConfig, error)
}

// transitions is the guarded transition table. Reopening is handled
// separately because exported and settled batches get a distinct error.
var transitions = map[string][]string{
	claim.BatchOpen:     {claim.BatchClosed},
	claim.BatchClosed:   {claim.BatchVerified, claim.BatchOpen},
	claim.BatchVerified: {claim.BatchExported, claim.BatchClosed, claim.BatchOpen},
	claim.BatchExported: {claim.BatchSettled},
	claim.BatchSettled:  {},
}

func allowed(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service manages batch grouping and lifecycle transitions.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a batch service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// GetOrCreateOpenBatch returns the open batch for a pipeline and group key,
// creating one at count zero when none exists.
func (s *Service) GetOrCreateOpenBatch(ctx context.Context, pipelineID, groupKey, groupLabel string) (*claim.Batch, error) {
	existing, err := s.store.FindOpenBatch(ctx, pipelineID, groupKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	b := &claim.Batch{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		GroupKey:   groupKey,
		GroupLabel: groupLabel,
		Status:     claim.BatchOpen,
		OpenedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("opened batch",
		zap.String("batch", b.ID),
		zap.String("pipeline", pipelineID),
		zap.String("group_key", groupKey))
	return b, nil
}

// AddDocument links the document to the batch, increments the document count
// and reports whether the count has reached the pipeline's max_count, which
// is re-read on every call so configuration changes apply to batches already
// open. Acting on the signal (closing the batch) is left to the caller. The
// link and the count move together, so a redelivered document is never
// counted twice.
func (s *Service) AddDocument(ctx context.Context, batchID, pipelineID, docID string) (*claim.Batch, bool, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, false, err
	}

	count, err := s.store.AssignDocument(ctx, docID, batchID)
	if err != nil {
		return nil, false, err
	}
	b.DocumentCount = count

	cfg, err := s.store.BatchConfig(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}
	full := cfg.MaxCount > 0 && count >= cfg.MaxCount
	return b, full, nil
}

// CloseBatch transitions open -> closed and stamps closed_at.
func (s *Service) CloseBatch(ctx context.Context, batchID string) (*claim.Batch, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := guard(b, claim.BatchClosed); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	b.Status = claim.BatchClosed
	b.ClosedAt = &now
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("closed batch", zap.String("batch", b.ID), zap.Int("documents", b.DocumentCount))
	return b, nil
}

// VerifyBatch transitions closed -> verified, refusing while any document
// in the batch is still pending.
func (s *Service) VerifyBatch(ctx context.Context, batchID string) (*claim.Batch, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := guard(b, claim.BatchVerified); err != nil {
		return nil, err
	}
	pending, err := s.store.CountPendingDocuments(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, &PendingDocumentsError{Count: pending}
	}
	b.Status = claim.BatchVerified
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("verified batch", zap.String("batch", b.ID))
	return b, nil
}

// ExportBatch transitions verified -> exported, stamping the export
// artifact key and flipping the batch's validated documents to exported
// status atomically with the batch transition.
func (s *Service) ExportBatch(ctx context.Context, batchID, exportKey string) (*claim.Batch, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := guard(b, claim.BatchExported); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.store.ExportDocuments(ctx, batchID, exportKey, now); err != nil {
		return nil, err
	}
	b.Status = claim.BatchExported
	b.ExportKey = exportKey
	b.ExportedAt = &now
	s.logger.Info("exported batch", zap.String("batch", b.ID), zap.String("export_key", exportKey))
	return b, nil
}

// SettleBatch transitions exported -> settled with the settled amount.
func (s *Service) SettleBatch(ctx context.Context, batchID string, amount float64) (*claim.Batch, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := guard(b, claim.BatchSettled); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	b.Status = claim.BatchSettled
	b.SettledAt = &now
	b.SettledAmount = &amount
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("settled batch", zap.String("batch", b.ID), zap.Float64("amount", amount))
	return b, nil
}

// ReopenBatch transitions closed or verified back to open and clears
// closed_at. Exported and settled batches cannot be reopened and get a
// distinct error.
func (s *Service) ReopenBatch(ctx context.Context, batchID string) (*claim.Batch, error) {
	b, err := s.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case claim.BatchExported, claim.BatchSettled:
		return nil, &CannotReopenError{Status: b.Status}
	case claim.BatchClosed, claim.BatchVerified:
	default:
		return nil, &InvalidTransitionError{From: b.Status, To: claim.BatchOpen}
	}
	b.Status = claim.BatchOpen
	b.ClosedAt = nil
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("reopened batch", zap.String("batch", b.ID))
	return b, nil
}

// GetBatchesPastMaxDays returns open batches whose age reached their
// pipeline's max_days, for a scheduler to close. Pipelines without a
// max_days bound never expire.
func (s *Service) GetBatchesPastMaxDays(ctx context.Context) ([]claim.Batch, error) {
	open, err := s.store.ListOpenBatches(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	configs := make(map[string]claim.BatchConfig)

	var expired []claim.Batch
	for _, b := range open {
		cfg, ok := configs[b.PipelineID]
		if !ok {
			cfg, err = s.store.BatchConfig(ctx, b.PipelineID)
			if err != nil {
				return nil, err
			}
			configs[b.PipelineID] = cfg
		}
		if cfg.MaxDays <= 0 {
			continue
		}
		if now.Sub(b.OpenedAt) >= time.Duration(cfg.MaxDays)*24*time.Hour {
			expired = append(expired, b)
		}
	}
	return expired, nil
}

func (s *Service) mustGet(ctx context.Context, batchID string) (*claim.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &NotFoundError{ID: batchID}
	}
	return b, nil
}

func guard(b *claim.Batch, to string) error {
	if !allowed(b.Status, to) {
		return &InvalidTransitionError{From: b.Status, To: to}
	}
	return nil
}
