package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

func validateStep(t *testing.T, cfg ValidateConfig) rules.StepConfig {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return rules.StepConfig{Name: "validate-step", Type: "validate", Config: raw}
}

func floatPtr(f float64) *float64 { return &f }

func TestValidateRequired(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"present": "x"})
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Field: "present", Type: "required"},
			{Field: "absent", Type: "required"},
		},
	}), execContext())

	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "validation_required", res.Anomalies[0].Type)
	assert.Equal(t, "absent", res.Anomalies[0].Field)
	assert.Equal(t, claim.SeverityWarning, res.Anomalies[0].Severity)
}

func TestValidateFormats(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{
		"email":     "patient@example.com",
		"bad_email": "nonsense",
		"cin":       "12345678",
		"bad_cin":   "1234",
		"date":      "2026-03-15",
		"amount":    "-10",
	})
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Field: "email", Type: "format", Format: "email"},
			{Field: "bad_email", Type: "format", Format: "email"},
			{Field: "cin", Type: "format", Format: "cin"},
			{Field: "bad_cin", Type: "format", Format: "cin"},
			{Field: "date", Type: "format", Format: "date"},
			{Field: "amount", Type: "format", Format: "positive"},
		},
	}), execContext())

	require.NoError(t, err)
	require.Len(t, res.Anomalies, 3)
	assert.Equal(t, "bad_email", res.Anomalies[0].Field)
	assert.Equal(t, "bad_cin", res.Anomalies[1].Field)
	assert.Equal(t, "amount", res.Anomalies[2].Field)
}

func TestValidateRangeAndEnum(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{
		"amount":       "250",
		"service_type": "téléportation",
	})
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Field: "amount", Type: "range", Min: floatPtr(0), Max: floatPtr(100)},
			{Field: "service_type", Type: "enum", Values: []string{"consultation", "pharmacie"}},
		},
	}), execContext())

	require.NoError(t, err)
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, "validation_range", res.Anomalies[0].Type)
	assert.Equal(t, "validation_enum", res.Anomalies[1].Type)
}

func TestValidateEmptyValuesPassNonRequiredChecks(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Field: "missing", Type: "format", Format: "email"},
			{Field: "missing", Type: "range", Min: floatPtr(0)},
			{Field: "missing", Type: "enum", Values: []string{"a"}},
		},
	}), execContext())

	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
}

func TestValidateCustomComparison(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"invoiced_amount": "150"})
	doc.MergeComputed(map[string]any{"service_type": "pharmacie"})
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Type: "custom", Expression: "invoiced_amount > 100"},
			{Type: "custom", Expression: "invoiced_amount < 100", Message: "amount too high"},
			{Type: "custom", Expression: `service_type == "pharmacie"`},
			{Type: "custom", Expression: "this is not a comparison"},
		},
	}), execContext())

	require.NoError(t, err)
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, "amount too high", res.Anomalies[0].Message)
	assert.Contains(t, res.Anomalies[1].Message, "invalid comparison")
}

func TestValidateCustomMessageOverride(t *testing.T) {
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	rule := NewValidateRule()

	res, err := rule.Execute(context.Background(), doc, validateStep(t, ValidateConfig{
		Checks: []ValidateCheck{
			{Field: "policy_number", Type: "required", Message: "le numéro de police est obligatoire"},
		},
	}), execContext())

	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "le numéro de police est obligatoire", res.Anomalies[0].Message)
}
