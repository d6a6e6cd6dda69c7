package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSteps(t *testing.T) {
	raw := []byte(`[
		{"name": "resolve-insurer", "type": "company_lookup", "config": {}},
		{"name": "compute-base", "type": "compute", "config": {"target_field": "base"}}
	]`)
	steps, err := ParseSteps(raw)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "resolve-insurer", steps[0].Name)
	assert.Equal(t, "company_lookup", steps[0].Type)
	assert.JSONEq(t, `{"target_field": "base"}`, string(steps[1].Config))
}

func TestParseStepsEmpty(t *testing.T) {
	steps, err := ParseSteps(nil)
	require.NoError(t, err)
	assert.Nil(t, steps)
}

func TestParseStepsInvalid(t *testing.T) {
	_, err := ParseSteps([]byte(`{"not": "a list"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse pipeline steps")
}

func TestParseBatchConfig(t *testing.T) {
	cfg, err := ParseBatchConfig([]byte(`{"group_by": "company_id", "max_count": 50, "max_days": 7}`))
	require.NoError(t, err)
	assert.Equal(t, "company_id", cfg.GroupBy)
	assert.Equal(t, 50, cfg.MaxCount)
	assert.Equal(t, 7, cfg.MaxDays)
}

func TestParseBatchConfigEmpty(t *testing.T) {
	cfg, err := ParseBatchConfig(nil)
	require.NoError(t, err)
	assert.Zero(t, cfg)
}

func TestParseBatchConfigInvalid(t *testing.T) {
	_, err := ParseBatchConfig([]byte(`[]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse batch config")
}
