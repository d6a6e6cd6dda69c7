// Package builtin implements the generic rule primitives: lookup, compute,
// validate, anomaly, and the sandboxed script extension point. Each rule is
// configured per step with a JSON blob and registered under its type tag in
// pkg/rules/all.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/normalize"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// Match types supported by the lookup rule.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
	MatchFuzzy  = "fuzzy"
)

// LookupConfig configures one reference lookup.
type LookupConfig struct {
	// Table is the reference table name.
	Table string `json:"table"`
	// SourceField is the document field whose value is matched.
	SourceField string `json:"source_field"`
	// MatchField is the table column matched against.
	MatchField string `json:"match_field"`
	// MatchType is exact, prefix (longest wins) or fuzzy (folded substring).
	MatchType string `json:"match_type"`
	// OutputKey receives the resolved record in computed data.
	OutputKey string `json:"output_key"`
	// Required emits a warning anomaly when the lookup resolves nothing.
	Required bool `json:"required"`
	// ValidFromField/ValidToField name optional table columns bounding the
	// record's validity; records outside the window are skipped.
	ValidFromField string `json:"valid_from_field,omitempty"`
	ValidToField   string `json:"valid_to_field,omitempty"`
	// DateField names the document field providing the reference date for
	// the validity window; empty means the execution clock.
	DateField string `json:"date_field,omitempty"`
}

func (c *LookupConfig) validate() error {
	if c.Table == "" {
		return fmt.Errorf("lookup: table is required")
	}
	if c.SourceField == "" {
		return fmt.Errorf("lookup: source_field is required")
	}
	if c.MatchField == "" {
		return fmt.Errorf("lookup: match_field is required")
	}
	if c.OutputKey == "" {
		return fmt.Errorf("lookup: output_key is required")
	}
	switch c.MatchType {
	case "", MatchExact, MatchPrefix, MatchFuzzy:
	default:
		return fmt.Errorf("lookup: unsupported match_type %q", c.MatchType)
	}
	return nil
}

// LookupRule resolves one document field against a named reference table.
type LookupRule struct{}

// NewLookupRule creates the lookup rule.
func NewLookupRule() *LookupRule { return &LookupRule{} }

// Type returns the registry tag.
func (r *LookupRule) Type() string { return "lookup" }

// Execute resolves the configured field. Resolutions, including misses, are
// memoized in the execution-local cache.
func (r *LookupRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var cfg LookupConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return rules.Result{}, fmt.Errorf("parse lookup config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return rules.Result{}, err
	}
	matchType := cfg.MatchType
	if matchType == "" {
		matchType = MatchExact
	}

	value := stringField(doc, cfg.SourceField)
	if value == "" {
		if cfg.Required {
			return rules.Result{
				Success: true,
				Anomalies: []claim.Anomaly{{
					Type:     "lookup_failed",
					Message:  fmt.Sprintf("field %s is empty, cannot resolve against %s", cfg.SourceField, cfg.Table),
					Severity: claim.SeverityWarning,
					Field:    cfg.SourceField,
				}},
			}, nil
		}
		return rules.OK(), nil
	}

	refDate := exec.Now()
	if cfg.DateField != "" {
		if d, ok := parseRecordDate(stringField(doc, cfg.DateField)); ok {
			refDate = d
		}
	}

	record, err := r.resolve(ctx, &cfg, matchType, value, refDate, exec)
	if err != nil {
		return rules.Result{}, err
	}

	if record == nil {
		if cfg.Required {
			return rules.Result{
				Success: true,
				Anomalies: []claim.Anomaly{{
					Type:     "lookup_failed",
					Message:  fmt.Sprintf("no %s record matches %s=%q", cfg.Table, cfg.MatchField, value),
					Severity: claim.SeverityWarning,
					Field:    cfg.SourceField,
				}},
			}, nil
		}
		return rules.OK(), nil
	}

	return rules.Result{
		Success:  true,
		Computed: map[string]any{cfg.OutputKey: record},
	}, nil
}

func (r *LookupRule) resolve(ctx context.Context, cfg *LookupConfig, matchType, value string, refDate time.Time, exec *rules.Context) (rules.Record, error) {
	if rec, ok := exec.Cache.Get(cfg.Table, cfg.MatchField, value, matchType); ok {
		return rec, nil
	}

	rows, ok := exec.Cache.Rows(cfg.Table)
	if !ok {
		var err error
		rows, err = exec.Reference.Table(ctx, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("load reference table %s: %w", cfg.Table, err)
		}
		exec.Cache.PutRows(cfg.Table, rows)
	}

	record := matchRecord(rows, cfg, matchType, value, refDate)
	exec.Cache.Put(cfg.Table, cfg.MatchField, value, matchType, record)
	return record, nil
}

// matchRecord scans rows for the best match. Prefix matching keeps the
// longest matching prefix; exact and fuzzy return the first hit in row order.
func matchRecord(rows []rules.Record, cfg *LookupConfig, matchType, value string, refDate time.Time) rules.Record {
	var best rules.Record
	bestLen := -1

	for _, row := range rows {
		candidate, _ := row[cfg.MatchField].(string)
		if candidate == "" {
			continue
		}
		if !withinValidity(row, cfg, refDate) {
			continue
		}
		switch matchType {
		case MatchExact:
			if candidate == value {
				return row
			}
		case MatchPrefix:
			if strings.HasPrefix(value, candidate) && len(candidate) > bestLen {
				best = row
				bestLen = len(candidate)
			}
		case MatchFuzzy:
			if normalize.Contains(value, candidate) || normalize.Contains(candidate, value) {
				return row
			}
		}
	}
	return best
}

// withinValidity checks the optional validity window columns.
func withinValidity(row rules.Record, cfg *LookupConfig, refDate time.Time) bool {
	if cfg.ValidFromField == "" && cfg.ValidToField == "" {
		return true
	}
	if refDate.IsZero() {
		return true
	}
	if cfg.ValidFromField != "" {
		if from, ok := parseRecordDate(row[cfg.ValidFromField]); ok && refDate.Before(from) {
			return false
		}
	}
	if cfg.ValidToField != "" {
		if to, ok := parseRecordDate(row[cfg.ValidToField]); ok && refDate.After(to) {
			return false
		}
	}
	return true
}

func parseRecordDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range []string{"2006-01-02", time.RFC3339} {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// stringField reads a document field through the computed view and renders
// it as a trimmed string.
func stringField(doc *claim.Document, key string) string {
	v, ok := doc.Field(key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}
