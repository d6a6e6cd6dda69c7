package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Asclepius/pkg/batch"
	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// BatchStore persists settlement batches. It satisfies batch.Store.
type BatchStore struct {
	db DB
}

func NewBatchStore(db DB) *BatchStore {
	return &BatchStore{db: db}
}

const batchColumns = `
	id, pipeline_id, group_key, group_label, status, document_count,
	export_key, opened_at, closed_at, exported_at, settled_at, settled_amount`

func scanBatch(row interface{ Scan(...any) error }) (*claim.Batch, error) {
	var (
		b             claim.Batch
		exportKey     sql.NullString
		closedAt      sql.NullTime
		exportedAt    sql.NullTime
		settledAt     sql.NullTime
		settledAmount sql.NullFloat64
	)
	err := row.Scan(
		&b.ID, &b.PipelineID, &b.GroupKey, &b.GroupLabel, &b.Status, &b.DocumentCount,
		&exportKey, &b.OpenedAt, &closedAt, &exportedAt, &settledAt, &settledAmount,
	)
	if err != nil {
		return nil, err
	}
	b.ExportKey = exportKey.String
	if closedAt.Valid {
		b.ClosedAt = &closedAt.Time
	}
	if exportedAt.Valid {
		b.ExportedAt = &exportedAt.Time
	}
	if settledAt.Valid {
		b.SettledAt = &settledAt.Time
	}
	if settledAmount.Valid {
		b.SettledAmount = &settledAmount.Float64
	}
	return &b, nil
}

// GetBatch returns a batch by id, or (nil, nil) when none exists.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (*claim.Batch, error) {
	query := `SELECT` + batchColumns + ` FROM batches WHERE id = $1`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// FindOpenBatch returns the open batch for a pipeline and group key, or
// (nil, nil) when none is open.
func (s *BatchStore) FindOpenBatch(ctx context.Context, pipelineID, groupKey string) (*claim.Batch, error) {
	query := `
		SELECT` + batchColumns + `
		FROM batches
		WHERE pipeline_id = $1 AND group_key = $2 AND status = 'open'
		ORDER BY opened_at
		LIMIT 1`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, pipelineID, groupKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open batch for pipeline %s group %s: %w", pipelineID, groupKey, err)
	}
	return b, nil
}

func (s *BatchStore) CreateBatch(ctx context.Context, b *claim.Batch) error {
	const query = `
		INSERT INTO batches
			(id, pipeline_id, group_key, group_label, status, document_count, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.PipelineID, b.GroupKey, b.GroupLabel, b.Status, b.DocumentCount, b.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *BatchStore) UpdateBatch(ctx context.Context, b *claim.Batch) error {
	const query = `
		UPDATE batches
		SET status = $2, export_key = $3, closed_at = $4,
		    exported_at = $5, settled_at = $6, settled_amount = $7
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		b.ID, b.Status, nullIfEmpty(b.ExportKey),
		nullTime(b.ClosedAt), nullTime(b.ExportedAt), nullTime(b.SettledAt),
		nullFloat(b.SettledAmount),
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update batch %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// AssignDocument links the document to the batch and bumps the batch's
// document count in one transaction. A document already linked to the batch
// leaves the count untouched, so redelivered jobs cannot inflate it; a
// document linked to a different batch is an error.
func (s *BatchStore) AssignDocument(ctx context.Context, docID, batchID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("assign document %s to batch %s: begin: %w", docID, batchID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET batch_id = $2
		WHERE id = $1 AND batch_id IS NULL`,
		docID, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, err)
	}
	linked, _ := res.RowsAffected()

	var count int
	if linked == 0 {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM documents WHERE id = $1`, docID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, err)
		}
		if current.String != batchID {
			return 0, fmt.Errorf("document %s already in batch %s", docID, current.String)
		}
		err = tx.QueryRowContext(ctx,
			`SELECT document_count FROM batches WHERE id = $1`, batchID,
		).Scan(&count)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, err)
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE batches
			SET document_count = document_count + 1
			WHERE id = $1
			RETURNING document_count`,
			batchID,
		).Scan(&count)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("assign document %s to batch %s: %w", docID, batchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("assign document %s to batch %s: commit: %w", docID, batchID, err)
	}
	return count, nil
}

func (s *BatchStore) CountPendingDocuments(ctx context.Context, batchID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM documents
		WHERE batch_id = $1 AND status = 'pending'`
	var count int
	if err := s.db.QueryRowContext(ctx, query, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending documents of batch %s: %w", batchID, err)
	}
	return count, nil
}

// ExportDocuments marks the batch exported and flips its validated documents
// to exported status in one transaction. The batch update is conditional on
// the verified status so a concurrent transition rolls everything back.
func (s *BatchStore) ExportDocuments(ctx context.Context, batchID, exportKey string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("export batch %s: begin: %w", batchID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE batches
		SET status = 'exported', export_key = $2, exported_at = $3
		WHERE id = $1 AND status = 'verified'`,
		batchID, exportKey, at,
	)
	if err != nil {
		return fmt.Errorf("export batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("export batch %s: batch is no longer verified", batchID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET status = 'exported'
		WHERE batch_id = $1 AND status = 'validated'`,
		batchID,
	)
	if err != nil {
		return fmt.Errorf("export batch %s: flip documents: %w", batchID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("export batch %s: commit: %w", batchID, err)
	}
	return nil
}

func (s *BatchStore) ListOpenBatches(ctx context.Context) ([]claim.Batch, error) {
	query := `
		SELECT` + batchColumns + `
		FROM batches
		WHERE status = 'open'
		ORDER BY opened_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}
	defer rows.Close()

	var out []claim.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("list open batches: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// BatchConfig reads the batch-grouping section of a pipeline definition.
func (s *BatchStore) BatchConfig(ctx context.Context, pipelineID string) (claim.BatchConfig, error) {
	const query = `SELECT batch_config FROM pipelines WHERE id = $1`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, pipelineID).Scan(&raw)
	if err == sql.ErrNoRows {
		return claim.BatchConfig{}, fmt.Errorf("batch config of pipeline %s: %w", pipelineID, ErrNotFound)
	}
	if err != nil {
		return claim.BatchConfig{}, fmt.Errorf("batch config of pipeline %s: %w", pipelineID, err)
	}
	var cfg claim.BatchConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return claim.BatchConfig{}, fmt.Errorf("batch config of pipeline %s: decode: %w", pipelineID, err)
		}
	}
	return cfg, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

var _ batch.Store = (*BatchStore)(nil)
