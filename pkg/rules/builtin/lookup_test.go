package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// stubReference serves canned tables and counts loads to verify caching.
type stubReference struct {
	tables map[string][]rules.Record
	loads  map[string]int
}

func (s *stubReference) Table(_ context.Context, name string) ([]rules.Record, error) {
	if s.loads == nil {
		s.loads = make(map[string]int)
	}
	s.loads[name]++
	return s.tables[name], nil
}

func (s *stubReference) Companies(context.Context) ([]claim.Company, error)   { return nil, nil }
func (s *stubReference) Contracts(context.Context) ([]claim.Contract, error)  { return nil, nil }
func (s *stubReference) ContractsByCompany(context.Context, string) ([]claim.Contract, error) {
	return nil, nil
}
func (s *stubReference) Coverage(context.Context, string, string) (*claim.Coverage, error) {
	return nil, nil
}
func (s *stubReference) MedicationPrices(context.Context) ([]claim.MedicationPrice, error) {
	return nil, nil
}
func (s *stubReference) PractitionerExists(context.Context, string) (bool, error) {
	return false, nil
}

func lookupStep(t *testing.T, cfg LookupConfig) rules.StepConfig {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return rules.StepConfig{Name: "lookup-step", Type: "lookup", Config: raw}
}

func lookupContext(ref *stubReference) *rules.Context {
	return rules.NewContext(rules.PipelineRef{ID: "pipe-1"}, ref, nil, nil)
}

func TestLookupExactMatch(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{
		"companies": {
			{"id": "c1", "name": "Acme Assurance"},
			{"id": "c2", "name": "Omega Mutuelle"},
		},
	}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_name": "Omega Mutuelle"})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:       "companies",
		SourceField: "company_name",
		MatchField:  "name",
		MatchType:   "exact",
		OutputKey:   "company",
	}), lookupContext(ref))

	require.NoError(t, err)
	require.True(t, res.Success)
	record, ok := res.Computed["company"].(rules.Record)
	require.True(t, ok)
	assert.Equal(t, "c2", record["id"])
}

func TestLookupPrefixKeepsLongestMatch(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{
		"contracts": {
			{"id": "short", "policy_prefix": "10"},
			{"id": "long", "policy_prefix": "1042"},
		},
	}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"policy_number": "104299887"})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:       "contracts",
		SourceField: "policy_number",
		MatchField:  "policy_prefix",
		MatchType:   "prefix",
		OutputKey:   "contract",
	}), lookupContext(ref))

	require.NoError(t, err)
	record := res.Computed["contract"].(rules.Record)
	assert.Equal(t, "long", record["id"])
}

func TestLookupFuzzyMatchFoldsAccents(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{
		"companies": {{"id": "c1", "name": "Générale Santé"}},
	}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_name": "GENERALE  SANTE SA"})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:       "companies",
		SourceField: "company_name",
		MatchField:  "name",
		MatchType:   "fuzzy",
		OutputKey:   "company",
	}), lookupContext(ref))

	require.NoError(t, err)
	require.NotNil(t, res.Computed["company"])
}

func TestLookupValidityWindow(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{
		"contracts": {
			{"id": "expired", "policy_prefix": "10", "valid_from": "2020-01-01", "valid_to": "2021-12-31"},
			{"id": "current", "policy_prefix": "10", "valid_from": "2022-01-01", "valid_to": "2030-12-31"},
		},
	}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{
		"policy_number": "1042",
		"care_date":     "2026-03-15",
	})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:          "contracts",
		SourceField:    "policy_number",
		MatchField:     "policy_prefix",
		MatchType:      "prefix",
		OutputKey:      "contract",
		ValidFromField: "valid_from",
		ValidToField:   "valid_to",
		DateField:      "care_date",
	}), lookupContext(ref))

	require.NoError(t, err)
	record := res.Computed["contract"].(rules.Record)
	assert.Equal(t, "current", record["id"])
}

func TestLookupRequiredMissEmitsAnomaly(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{"companies": {}}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_name": "Unknown Corp"})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:       "companies",
		SourceField: "company_name",
		MatchField:  "name",
		OutputKey:   "company",
		Required:    true,
	}), lookupContext(ref))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Computed)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "lookup_failed", res.Anomalies[0].Type)
	assert.Equal(t, claim.SeverityWarning, res.Anomalies[0].Severity)
}

func TestLookupOptionalMissIsSilent(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{"companies": {}}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_name": "Unknown Corp"})

	res, err := NewLookupRule().Execute(context.Background(), doc, lookupStep(t, LookupConfig{
		Table:       "companies",
		SourceField: "company_name",
		MatchField:  "name",
		OutputKey:   "company",
	}), lookupContext(ref))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Anomalies)
}

func TestLookupCachesTableAndResolution(t *testing.T) {
	ref := &stubReference{tables: map[string][]rules.Record{
		"companies": {{"id": "c1", "name": "Acme"}},
	}}
	doc := claim.NewDocument("doc-1", "pipe-1", map[string]any{"company_name": "Acme"})
	exec := lookupContext(ref)
	step := lookupStep(t, LookupConfig{
		Table:       "companies",
		SourceField: "company_name",
		MatchField:  "name",
		OutputKey:   "company",
	})

	for i := 0; i < 3; i++ {
		_, err := NewLookupRule().Execute(context.Background(), doc, step, exec)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, ref.loads["companies"])

	// A fresh execution context starts with a cold cache.
	_, err := NewLookupRule().Execute(context.Background(), doc, step, lookupContext(ref))
	require.NoError(t, err)
	assert.Equal(t, 2, ref.loads["companies"])
}

func TestParseRecordDate(t *testing.T) {
	d, ok := parseRecordDate("2026-03-15")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), d)

	_, ok = parseRecordDate("15/03/2026 approximately")
	assert.False(t, ok)

	_, ok = parseRecordDate(nil)
	assert.False(t, ok)
}
