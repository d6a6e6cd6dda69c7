package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// ArtifactStore uploads export files and returns a stable reference to them.
// Satisfied by artifacts.AzureBlobStore.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)
}

// DocumentLister reads back the documents of a batch for export.
type DocumentLister interface {
	ListBatchDocuments(ctx context.Context, batchID string) ([]claim.Document, error)
}

// Exporter drives the exported transition: it serializes a verified batch
// with its documents, uploads the file, and stamps the returned artifact
// reference on the batch.
type Exporter struct {
	service   *Service
	documents DocumentLister
	artifacts ArtifactStore
	logger    *zap.Logger
}

// NewExporter wires an exporter on top of the batch service.
func NewExporter(service *Service, documents DocumentLister, artifacts ArtifactStore, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		service:   service,
		documents: documents,
		artifacts: artifacts,
		logger:    logger,
	}
}

type exportManifest struct {
	Batch     *claim.Batch     `json:"batch"`
	Documents []claim.Document `json:"documents"`
}

// Export uploads the batch manifest and transitions the batch to exported
// with the uploaded artifact's reference. The transition is guarded before
// the upload so a batch in the wrong state produces no orphan artifact.
func (e *Exporter) Export(ctx context.Context, batchID string) (*claim.Batch, error) {
	b, err := e.service.mustGet(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := guard(b, claim.BatchExported); err != nil {
		return nil, err
	}

	docs, err := e.documents.ListBatchDocuments(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch documents: %w", err)
	}
	data, err := json.MarshalIndent(exportManifest{Batch: b, Documents: docs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export manifest: %w", err)
	}

	key := fmt.Sprintf("exports/%s/%s.json", b.PipelineID, b.ID)
	ref, err := e.artifacts.Upload(ctx, key, data, map[string]string{
		"batch_id":  b.ID,
		"group_key": b.GroupKey,
	})
	if err != nil {
		return nil, fmt.Errorf("upload export artifact: %w", err)
	}

	exported, err := e.service.ExportBatch(ctx, batchID, ref)
	if err != nil {
		return nil, err
	}
	e.logger.Info("exported batch artifact",
		zap.String("batch", batchID),
		zap.String("artifact", ref),
		zap.Int("documents", len(docs)))
	return exported, nil
}
