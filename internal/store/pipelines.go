package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/pipeline"
)

// PipelineStore loads pipeline definitions. It satisfies pipeline.Store.
type PipelineStore struct {
	db DB
}

func NewPipelineStore(db DB) *PipelineStore {
	return &PipelineStore{db: db}
}

// GetPipeline returns the pipeline with the given id, or (nil, nil) when no
// such pipeline exists. The steps and batch_config columns are JSONB.
func (s *PipelineStore) GetPipeline(ctx context.Context, id string) (*pipeline.Config, error) {
	const query = `
		SELECT id, name, steps, batch_config, active
		FROM pipelines
		WHERE id = $1`

	cfg, err := scanPipeline(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return cfg, nil
}

// ListActive returns every pipeline currently accepting documents.
func (s *PipelineStore) ListActive(ctx context.Context) ([]*pipeline.Config, error) {
	const query = `
		SELECT id, name, steps, batch_config, active
		FROM pipelines
		WHERE active
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active pipelines: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Config
	for rows.Next() {
		cfg, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("list active pipelines: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanPipeline(row interface{ Scan(...any) error }) (*pipeline.Config, error) {
	var (
		cfg      pipeline.Config
		rawSteps []byte
		rawBatch []byte
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &rawSteps, &rawBatch, &cfg.Active)
	if err != nil {
		return nil, err
	}
	if cfg.Steps, err = pipeline.ParseSteps(rawSteps); err != nil {
		return nil, err
	}
	if cfg.Batch, err = pipeline.ParseBatchConfig(rawBatch); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var _ pipeline.Store = (*PipelineStore)(nil)
