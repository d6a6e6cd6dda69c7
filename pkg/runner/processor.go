package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/internal/metrics"
	"github.com/wehubfusion/Asclepius/pkg/batch"
	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/dispatch"
	"github.com/wehubfusion/Asclepius/pkg/pipeline"
)

// DocumentStore is the document persistence the processor needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*claim.Document, error)
	SaveExecution(ctx context.Context, doc *claim.Document) error
}

// ClaimProcessor runs one document through its pipeline, persists the
// outcome and places the document in its settlement batch. It implements
// Processor.
type ClaimProcessor struct {
	engine    *pipeline.Engine
	documents DocumentStore
	batches   *batch.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewClaimProcessor wires the processor. metrics may be nil.
func NewClaimProcessor(engine *pipeline.Engine, documents DocumentStore, batches *batch.Service, m *metrics.Metrics, logger *zap.Logger) *ClaimProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimProcessor{
		engine:    engine,
		documents: documents,
		batches:   batches,
		metrics:   m,
		logger:    logger,
	}
}

// Process executes the job's pipeline against its document. Rule failures do
// not fail the job; they surface as anomalies on the document. An error is
// returned only when loading or persisting fails, so the job is redelivered.
func (p *ClaimProcessor) Process(ctx context.Context, job *dispatch.Job) error {
	doc, err := p.documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	cfg, err := p.engine.LoadPipeline(ctx, job.PipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}

	rewind(doc)
	result := p.engine.Execute(ctx, doc, cfg)

	if err := p.documents.SaveExecution(ctx, doc); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}

	p.metrics.DocumentProcessed(cfg.ID, result.Success, result.Duration)
	for _, name := range result.FailedSteps() {
		p.metrics.StepFailed(cfg.ID, name)
	}
	for _, a := range result.Anomalies {
		p.metrics.AnomalyRaised(a.Type, a.Severity)
	}

	if err := p.assignBatch(ctx, doc, cfg); err != nil {
		return err
	}

	p.logger.Info("processed document",
		zap.String("document", doc.ID),
		zap.String("pipeline", cfg.ID),
		zap.Int("anomalies", len(result.Anomalies)),
		zap.Duration("duration", result.Duration))
	return nil
}

// assignBatch groups the document into the open batch keyed by the
// pipeline's group_by field, closing the batch when it reaches max_count.
// Pipelines without batching configured skip grouping. The link and the
// count are applied together by AddDocument, so a document already in a
// batch was counted and redeliveries stay idempotent.
func (p *ClaimProcessor) assignBatch(ctx context.Context, doc *claim.Document, cfg *pipeline.Config) error {
	if cfg.Batch.GroupBy == "" || doc.BatchID != "" {
		return nil
	}

	key, _ := doc.Field(cfg.Batch.GroupBy)
	groupKey := fmt.Sprint(key)
	if key == nil || groupKey == "" {
		p.logger.Warn("document missing batch group key, skipping batching",
			zap.String("document", doc.ID),
			zap.String("group_by", cfg.Batch.GroupBy))
		return nil
	}
	groupLabel := groupKey
	if label, ok := doc.Field("company_name"); ok {
		groupLabel = fmt.Sprint(label)
	}

	b, err := p.batches.GetOrCreateOpenBatch(ctx, cfg.ID, groupKey, groupLabel)
	if err != nil {
		return fmt.Errorf("resolve batch: %w", err)
	}
	_, full, err := p.batches.AddDocument(ctx, b.ID, cfg.ID, doc.ID)
	if err != nil {
		return fmt.Errorf("add document to batch: %w", err)
	}
	doc.BatchID = b.ID

	if full {
		if _, err := p.batches.CloseBatch(ctx, b.ID); err != nil {
			return fmt.Errorf("close full batch: %w", err)
		}
		p.metrics.BatchTransition(claim.BatchClosed)
	}
	return nil
}

// anomalyBaselineKey records how many anomalies the document carried before
// its first pipeline run.
const anomalyBaselineKey = "anomaly_baseline"

// rewind restores a previously executed document to its pre-run state so a
// redelivered job replays the pipeline instead of stacking its output. The
// first run records the intake anomaly count; reruns truncate back to it and
// discard computed data before executing.
func rewind(doc *claim.Document) {
	if v, ok := doc.Metadata[anomalyBaselineKey]; ok {
		if n, ok := asInt(v); ok && n >= 0 && n <= len(doc.Anomalies) {
			doc.Anomalies = doc.Anomalies[:n]
			doc.ComputedData = make(map[string]any)
		}
		return
	}
	doc.MergeMetadata(map[string]any{anomalyBaselineKey: len(doc.Anomalies)})
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
