package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

type memArtifacts struct {
	uploads  int
	lastKey  string
	lastData []byte
	lastMeta map[string]string
	err      error
}

func (m *memArtifacts) Upload(_ context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.uploads++
	m.lastKey = key
	m.lastData = data
	m.lastMeta = metadata
	return "https://blobs.example/" + key, nil
}

type memLister struct {
	docs []claim.Document
}

func (m *memLister) ListBatchDocuments(context.Context, string) ([]claim.Document, error) {
	return m.docs, nil
}

func TestExportUploadsManifestAndTransitions(t *testing.T) {
	svc, store := newTestService()
	seedBatch(store, claim.BatchVerified)

	docs := &memLister{docs: []claim.Document{
		{ID: "doc-1", PipelineID: "pipe-1", Status: claim.StatusValidated},
		{ID: "doc-2", PipelineID: "pipe-1", Status: claim.StatusValidated},
	}}
	blobs := &memArtifacts{}
	exporter := NewExporter(svc, docs, blobs, zap.NewNop())

	b, err := exporter.Export(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, claim.BatchExported, b.Status)
	assert.Equal(t, "https://blobs.example/exports/pipe-1/batch-1.json", b.ExportKey)
	assert.Equal(t, []string{"batch-1"}, store.exported)

	assert.Equal(t, 1, blobs.uploads)
	assert.Equal(t, "exports/pipe-1/batch-1.json", blobs.lastKey)
	assert.Equal(t, "batch-1", blobs.lastMeta["batch_id"])
	assert.Equal(t, "company-1", blobs.lastMeta["group_key"])

	var manifest struct {
		Batch     claim.Batch      `json:"batch"`
		Documents []claim.Document `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(blobs.lastData, &manifest))
	assert.Equal(t, "batch-1", manifest.Batch.ID)
	require.Len(t, manifest.Documents, 2)
	assert.Equal(t, "doc-1", manifest.Documents[0].ID)
}

func TestExportRefusesUnverifiedBatch(t *testing.T) {
	svc, store := newTestService()
	seedBatch(store, claim.BatchClosed)

	blobs := &memArtifacts{}
	exporter := NewExporter(svc, &memLister{}, blobs, zap.NewNop())

	_, err := exporter.Export(context.Background(), "batch-1")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, claim.BatchClosed, invalid.From)

	// No orphan artifact and no state change.
	assert.Zero(t, blobs.uploads)
	b, _ := store.GetBatch(context.Background(), "batch-1")
	assert.Equal(t, claim.BatchClosed, b.Status)
}

func TestExportUnknownBatch(t *testing.T) {
	svc, _ := newTestService()
	exporter := NewExporter(svc, &memLister{}, &memArtifacts{}, zap.NewNop())

	_, err := exporter.Export(context.Background(), "ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestExportUploadFailureLeavesBatchVerified(t *testing.T) {
	svc, store := newTestService()
	seedBatch(store, claim.BatchVerified)

	blobs := &memArtifacts{err: errors.New("storage unavailable")}
	exporter := NewExporter(svc, &memLister{}, blobs, zap.NewNop())

	_, err := exporter.Export(context.Background(), "batch-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload export artifact")

	b, _ := store.GetBatch(context.Background(), "batch-1")
	assert.Equal(t, claim.BatchVerified, b.Status)
	assert.Empty(t, store.exported)
}
