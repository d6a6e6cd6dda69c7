package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/batch"
	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/dispatch"
	"github.com/wehubfusion/Asclepius/pkg/pipeline"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

type pipeStore struct {
	configs map[string]*pipeline.Config
}

func (s *pipeStore) GetPipeline(_ context.Context, id string) (*pipeline.Config, error) {
	return s.configs[id], nil
}

type docStore struct {
	docs    map[string]*claim.Document
	saved   int
	saveErr error
}

func newDocStore() *docStore {
	return &docStore{
		docs: make(map[string]*claim.Document),
	}
}

func (s *docStore) GetDocument(_ context.Context, id string) (*claim.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document not found: %s", id)
	}
	return doc, nil
}

func (s *docStore) SaveExecution(_ context.Context, _ *claim.Document) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved++
	return nil
}

type procBatchStore struct {
	batches map[string]*claim.Batch
	configs map[string]claim.BatchConfig
	links   map[string]string
	// failAssigns makes the next N AssignDocument calls fail.
	failAssigns int
}

func newProcBatchStore() *procBatchStore {
	return &procBatchStore{
		batches: make(map[string]*claim.Batch),
		configs: make(map[string]claim.BatchConfig),
		links:   make(map[string]string),
	}
}

func (s *procBatchStore) GetBatch(_ context.Context, id string) (*claim.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *procBatchStore) FindOpenBatch(_ context.Context, pipelineID, groupKey string) (*claim.Batch, error) {
	for _, b := range s.batches {
		if b.PipelineID == pipelineID && b.GroupKey == groupKey && b.Status == claim.BatchOpen {
			copied := *b
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *procBatchStore) CreateBatch(_ context.Context, b *claim.Batch) error {
	copied := *b
	s.batches[b.ID] = &copied
	return nil
}

func (s *procBatchStore) UpdateBatch(_ context.Context, b *claim.Batch) error {
	copied := *b
	s.batches[b.ID] = &copied
	return nil
}

func (s *procBatchStore) AssignDocument(_ context.Context, docID, batchID string) (int, error) {
	if s.failAssigns > 0 {
		s.failAssigns--
		return 0, errors.New("connection reset")
	}
	if linked, ok := s.links[docID]; ok {
		if linked != batchID {
			return 0, fmt.Errorf("document %s already in batch %s", docID, linked)
		}
		return s.batches[batchID].DocumentCount, nil
	}
	s.links[docID] = batchID
	s.batches[batchID].DocumentCount++
	return s.batches[batchID].DocumentCount, nil
}

func (s *procBatchStore) CountPendingDocuments(context.Context, string) (int, error) {
	return 0, nil
}

func (s *procBatchStore) ExportDocuments(context.Context, string, string, time.Time) error {
	return nil
}

func (s *procBatchStore) ListOpenBatches(context.Context) ([]claim.Batch, error) {
	return nil, nil
}

func (s *procBatchStore) BatchConfig(_ context.Context, pipelineID string) (claim.BatchConfig, error) {
	return s.configs[pipelineID], nil
}

var _ batch.Store = (*procBatchStore)(nil)

type taggingRule struct{}

func (r *taggingRule) Type() string { return "tag" }

func (r *taggingRule) Execute(_ context.Context, _ *claim.Document, _ rules.StepConfig, _ *rules.Context) (rules.Result, error) {
	return rules.Result{
		Success:  true,
		Computed: map[string]any{"tagged": true},
		Anomalies: []claim.Anomaly{
			{Type: "tag_review", Message: "manual review requested", Severity: claim.SeverityInfo},
		},
	}, nil
}

func processorFixture(t *testing.T, cfg *pipeline.Config, docs *docStore, batches *procBatchStore) *ClaimProcessor {
	t.Helper()
	registry := rules.NewRegistry(zap.NewNop())
	registry.Register(&taggingRule{})
	engine, err := pipeline.NewEngine(
		&pipeStore{configs: map[string]*pipeline.Config{cfg.ID: cfg}},
		registry, nil, nil, zap.NewNop())
	require.NoError(t, err)
	svc := batch.NewService(batches, zap.NewNop())
	return NewClaimProcessor(engine, docs, svc, nil, zap.NewNop())
}

func pipelineConfig(batchCfg claim.BatchConfig) *pipeline.Config {
	return &pipeline.Config{
		ID:     "pipe-1",
		Name:   "health",
		Active: true,
		Steps: []rules.StepConfig{
			{Name: "tag-step", Type: "tag", Config: json.RawMessage(`{}`)},
		},
		Batch: batchCfg,
	}
}

func TestProcessExecutesAndAssignsBatch(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{
		"company_id":   "c1",
		"company_name": "Acme Assurance",
	})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}

	p := processorFixture(t, pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}), docs, batches)
	err := p.Process(context.Background(), dispatch.NewJob("doc-1", "pipe-1"))
	require.NoError(t, err)

	assert.Equal(t, true, doc.ComputedData["tagged"])
	assert.Equal(t, 1, docs.saved)

	require.NotEmpty(t, doc.BatchID)
	assert.Equal(t, doc.BatchID, batches.links["doc-1"])
	b := batches.batches[doc.BatchID]
	require.NotNil(t, b)
	assert.Equal(t, claim.BatchOpen, b.Status)
	assert.Equal(t, "c1", b.GroupKey)
	assert.Equal(t, "Acme Assurance", b.GroupLabel)
	assert.Equal(t, 1, b.DocumentCount)
}

func TestProcessClosesFullBatch(t *testing.T) {
	docs := newDocStore()
	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 2}
	cfg := pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 2})
	p := processorFixture(t, cfg, docs, batches)

	var batchID string
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("doc-%d", i)
		doc := claim.NewDocument(id, "pipe-1", map[string]any{"company_id": "c1"})
		docs.docs[id] = doc
		require.NoError(t, p.Process(context.Background(), dispatch.NewJob(id, "pipe-1")))
		batchID = doc.BatchID
	}

	assert.Equal(t, claim.BatchClosed, batches.batches[batchID].Status)
	assert.Equal(t, 2, batches.batches[batchID].DocumentCount)
}

func TestProcessSkipsBatchingWithoutGroupBy(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_id": "c1"})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{}), docs, batches)

	require.NoError(t, p.Process(context.Background(), dispatch.NewJob("doc-1", "pipe-1")))
	assert.Empty(t, doc.BatchID)
	assert.Empty(t, batches.batches)
}

func TestProcessLeavesAssignedDocumentAlone(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_id": "c1"})
	doc.BatchID = "already-there"
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}), docs, batches)

	require.NoError(t, p.Process(context.Background(), dispatch.NewJob("doc-1", "pipe-1")))
	assert.Equal(t, "already-there", doc.BatchID)
	assert.Empty(t, batches.batches)
}

func TestProcessSkipsBatchingWhenGroupKeyMissing(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}), docs, batches)

	require.NoError(t, p.Process(context.Background(), dispatch.NewJob("doc-1", "pipe-1")))
	assert.Empty(t, doc.BatchID)
	assert.Empty(t, batches.batches)
}

func TestProcessReturnsErrorWhenPersistFails(t *testing.T) {
	docs := newDocStore()
	docs.saveErr = errors.New("connection reset")
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_id": "c1"})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{}), docs, batches)

	err := p.Process(context.Background(), dispatch.NewJob("doc-1", "pipe-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist execution")
}

func TestProcessRedeliveryDoesNotDuplicateAnomalies(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_id": "c1"})
	doc.AppendAnomalies(claim.Anomaly{Type: "intake_note", Message: "hand-entered", Severity: claim.SeverityInfo})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}
	batches.failAssigns = 1
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}), docs, batches)

	job := dispatch.NewJob("doc-1", "pipe-1")
	err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add document to batch")
	assert.Empty(t, doc.BatchID)

	// Redelivery replays the run from the intake state: the pre-existing
	// anomaly stays the prefix and the rule's anomaly appears once.
	require.NoError(t, p.Process(context.Background(), job))
	require.Len(t, doc.Anomalies, 2)
	assert.Equal(t, "intake_note", doc.Anomalies[0].Type)
	assert.Equal(t, "tag_review", doc.Anomalies[1].Type)

	require.NotEmpty(t, doc.BatchID)
	assert.Equal(t, 1, batches.batches[doc.BatchID].DocumentCount)
}

func TestProcessRedeliveryCountsDocumentOnce(t *testing.T) {
	docs := newDocStore()
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_id": "c1"})
	docs.docs[doc.ID] = doc

	batches := newProcBatchStore()
	batches.configs["pipe-1"] = claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{GroupBy: "company_id", MaxCount: 10}), docs, batches)

	job := dispatch.NewJob("doc-1", "pipe-1")
	require.NoError(t, p.Process(context.Background(), job))
	require.NoError(t, p.Process(context.Background(), job))

	require.NotEmpty(t, doc.BatchID)
	assert.Equal(t, 1, batches.batches[doc.BatchID].DocumentCount)
	require.Len(t, doc.Anomalies, 1)
}

func TestProcessUnknownDocument(t *testing.T) {
	docs := newDocStore()
	batches := newProcBatchStore()
	p := processorFixture(t, pipelineConfig(claim.BatchConfig{}), docs, batches)

	err := p.Process(context.Background(), dispatch.NewJob("ghost", "pipe-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load document")
}
