package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// DocumentStore persists claim documents and answers the cross-document
// queries rules need (annual reimbursement totals, duplicate detection).
// It satisfies rules.DocumentQueries.
type DocumentStore struct {
	db DB
}

func NewDocumentStore(db DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// GetDocument returns a document by id, or ErrNotFound.
func (s *DocumentStore) GetDocument(ctx context.Context, id string) (*claim.Document, error) {
	const query = `
		SELECT id, pipeline_id, batch_id, status,
		       extracted_data, computed_data, anomalies, metadata, created_at
		FROM documents
		WHERE id = $1`

	var (
		doc          claim.Document
		batchID      sql.NullString
		rawExtracted []byte
		rawComputed  []byte
		rawAnomalies []byte
		rawMetadata  []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.PipelineID, &batchID, &doc.Status,
		&rawExtracted, &rawComputed, &rawAnomalies, &rawMetadata, &doc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}

	doc.BatchID = batchID.String
	if doc.ExtractedData, err = decodeMap(rawExtracted); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if doc.ComputedData, err = decodeMap(rawComputed); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if doc.Metadata, err = decodeMap(rawMetadata); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if len(rawAnomalies) > 0 {
		if err := json.Unmarshal(rawAnomalies, &doc.Anomalies); err != nil {
			return nil, fmt.Errorf("get document %s: decode anomalies: %w", id, err)
		}
	}
	return &doc, nil
}

// CreateDocument inserts a freshly mapped document.
func (s *DocumentStore) CreateDocument(ctx context.Context, doc *claim.Document) error {
	const query = `
		INSERT INTO documents
			(id, pipeline_id, batch_id, status,
			 extracted_data, computed_data, anomalies, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	rawExtracted, err := encodeJSON(doc.ExtractedData)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	rawComputed, err := encodeJSON(doc.ComputedData)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	rawAnomalies, err := json.Marshal(doc.Anomalies)
	if err != nil {
		return fmt.Errorf("create document %s: encode anomalies: %w", doc.ID, err)
	}
	rawMetadata, err := encodeJSON(doc.Metadata)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, query,
		doc.ID, doc.PipelineID, nullIfEmpty(doc.BatchID), doc.Status,
		rawExtracted, rawComputed, rawAnomalies, rawMetadata, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}

// SaveExecution writes back the mutable outcome of a pipeline run: computed
// data, anomalies and metadata. Extracted data is immutable and never updated.
func (s *DocumentStore) SaveExecution(ctx context.Context, doc *claim.Document) error {
	const query = `
		UPDATE documents
		SET computed_data = $2, anomalies = $3, metadata = $4
		WHERE id = $1`

	rawComputed, err := encodeJSON(doc.ComputedData)
	if err != nil {
		return fmt.Errorf("save execution for %s: %w", doc.ID, err)
	}
	rawAnomalies, err := json.Marshal(doc.Anomalies)
	if err != nil {
		return fmt.Errorf("save execution for %s: encode anomalies: %w", doc.ID, err)
	}
	rawMetadata, err := encodeJSON(doc.Metadata)
	if err != nil {
		return fmt.Errorf("save execution for %s: %w", doc.ID, err)
	}

	res, err := s.db.ExecContext(ctx, query, doc.ID, rawComputed, rawAnomalies, rawMetadata)
	if err != nil {
		return fmt.Errorf("save execution for %s: %w", doc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save execution for %s: %w", doc.ID, ErrNotFound)
	}
	return nil
}

// ListBatchDocuments returns the documents of a batch in creation order.
func (s *DocumentStore) ListBatchDocuments(ctx context.Context, batchID string) ([]claim.Document, error) {
	const query = `
		SELECT id, pipeline_id, batch_id, status,
		       extracted_data, computed_data, anomalies, metadata, created_at
		FROM documents
		WHERE batch_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list documents of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []claim.Document
	for rows.Next() {
		var (
			doc          claim.Document
			linkedBatch  sql.NullString
			rawExtracted []byte
			rawComputed  []byte
			rawAnomalies []byte
			rawMetadata  []byte
		)
		err := rows.Scan(
			&doc.ID, &doc.PipelineID, &linkedBatch, &doc.Status,
			&rawExtracted, &rawComputed, &rawAnomalies, &rawMetadata, &doc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list documents of batch %s: %w", batchID, err)
		}
		doc.BatchID = linkedBatch.String
		if doc.ExtractedData, err = decodeMap(rawExtracted); err != nil {
			return nil, fmt.Errorf("list documents of batch %s: %w", batchID, err)
		}
		if doc.ComputedData, err = decodeMap(rawComputed); err != nil {
			return nil, fmt.Errorf("list documents of batch %s: %w", batchID, err)
		}
		if doc.Metadata, err = decodeMap(rawMetadata); err != nil {
			return nil, fmt.Errorf("list documents of batch %s: %w", batchID, err)
		}
		if len(rawAnomalies) > 0 {
			if err := json.Unmarshal(rawAnomalies, &doc.Anomalies); err != nil {
				return nil, fmt.Errorf("list documents of batch %s: decode anomalies: %w", batchID, err)
			}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpdateStatus moves a document between review statuses.
func (s *DocumentStore) UpdateStatus(ctx context.Context, docID, status string) error {
	const query = `UPDATE documents SET status = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, docID, status)
	if err != nil {
		return fmt.Errorf("update status of document %s: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status of document %s: %w", docID, ErrNotFound)
	}
	return nil
}

// SumValidatedReimbursements totals the computed reimbursement amounts of
// validated documents for one insured person at one company in a calendar
// year. Documents without a parsable care date fall back to their creation
// year.
func (s *DocumentStore) SumValidatedReimbursements(ctx context.Context, companyID, patientID string, year int) (float64, error) {
	const query = `
		SELECT COALESCE(SUM((computed_data->>'reimbursement_amount')::numeric), 0)
		FROM documents
		WHERE status = 'validated'
		  AND computed_data->>'reimbursement_amount' IS NOT NULL
		  AND computed_data->>'company_id' = $1
		  AND extracted_data->>'patient_id' = $2
		  AND COALESCE(left(extracted_data->>'care_date', 4), to_char(created_at, 'YYYY')) = $3`

	var total float64
	err := s.db.QueryRowContext(ctx, query, companyID, patientID, strconv.Itoa(year)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum validated reimbursements: %w", err)
	}
	return total, nil
}

// HasDuplicate reports whether another document in the same pipeline matches
// every queried field. Each field is compared against both the extracted and
// the computed payload so that rule-derived keys participate.
func (s *DocumentStore) HasDuplicate(ctx context.Context, q rules.DuplicateQuery) (bool, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT EXISTS (SELECT 1 FROM documents WHERE pipeline_id = $1 AND id <> $2`)
	args = append(args, q.PipelineID, q.ExcludeDocID)

	if q.ExcludeRejected {
		sb.WriteString(` AND status <> 'rejected'`)
	}
	if q.WithinDays > 0 {
		args = append(args, time.Now().UTC().AddDate(0, 0, -q.WithinDays))
		fmt.Fprintf(&sb, ` AND created_at >= $%d`, len(args))
	}
	for field, value := range q.Fields {
		args = append(args, field, value)
		fmt.Fprintf(&sb,
			` AND (extracted_data->>$%d = $%d OR computed_data->>$%d = $%d)`,
			len(args)-1, len(args), len(args)-1, len(args),
		)
	}
	sb.WriteString(`)`)

	var exists bool
	if err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return exists, nil
}

var _ rules.DocumentQueries = (*DocumentStore)(nil)
