package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// AnomalyCheck is one generic detector.
type AnomalyCheck struct {
	// Type is duplicate, threshold, pattern or custom.
	Type string `json:"type"`
	// Fields lists the extracted fields whose combined values identify a
	// duplicate (duplicate checks).
	Fields []string `json:"fields,omitempty"`
	// WithinDays bounds the duplicate search window; zero means unbounded.
	WithinDays int `json:"within_days,omitempty"`
	// Field, Operator and Value describe a threshold comparison, or the
	// field a pattern is applied to.
	Field    string  `json:"field,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Pattern  string  `json:"pattern,omitempty"`
	// Severity overrides the default warning severity.
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// AnomalyConfig configures the anomaly rule.
type AnomalyConfig struct {
	Checks []AnomalyCheck `json:"checks"`
}

// AnomalyRule runs generic anomaly detectors: duplicate documents,
// threshold breaches and suspicious patterns. The custom type is an inert
// extension point; domain-specific detection lives in dedicated rules.
type AnomalyRule struct{}

// NewAnomalyRule creates the anomaly rule.
func NewAnomalyRule() *AnomalyRule { return &AnomalyRule{} }

// Type returns the registry tag.
func (r *AnomalyRule) Type() string { return "anomaly" }

// Execute runs every configured detector in order.
func (r *AnomalyRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var cfg AnomalyConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return rules.Result{}, fmt.Errorf("parse anomaly config: %w", err)
	}

	var anomalies []claim.Anomaly
	for _, check := range cfg.Checks {
		found, err := r.detect(ctx, doc, check, exec)
		if err != nil {
			return rules.Result{}, err
		}
		anomalies = append(anomalies, found...)
	}

	return rules.Result{Success: true, Anomalies: anomalies}, nil
}

func (r *AnomalyRule) detect(ctx context.Context, doc *claim.Document, check AnomalyCheck, exec *rules.Context) ([]claim.Anomaly, error) {
	severity := check.Severity
	if severity == "" {
		severity = claim.SeverityWarning
	}

	switch check.Type {
	case "duplicate":
		if len(check.Fields) == 0 || exec.Documents == nil {
			return nil, nil
		}
		fields := make(map[string]string, len(check.Fields))
		for _, f := range check.Fields {
			v := stringField(doc, f)
			if v == "" {
				return nil, nil
			}
			fields[f] = v
		}
		dup, err := exec.Documents.HasDuplicate(ctx, rules.DuplicateQuery{
			PipelineID:   doc.PipelineID,
			ExcludeDocID: doc.ID,
			Fields:       fields,
			WithinDays:   check.WithinDays,
		})
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			return []claim.Anomaly{{
				Type:     "duplicate",
				Message:  anomalyMessage(check, fmt.Sprintf("another document shares %v", check.Fields)),
				Severity: severity,
			}}, nil
		}
	case "threshold":
		value := stringField(doc, check.Field)
		if value == "" {
			return nil, nil
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, nil
		}
		if compareThreshold(n, check.Operator, check.Value) {
			return []claim.Anomaly{{
				Type:     "threshold",
				Message:  anomalyMessage(check, fmt.Sprintf("field %s value %v %s %v", check.Field, n, check.Operator, check.Value)),
				Severity: severity,
				Field:    check.Field,
			}}, nil
		}
	case "pattern":
		value := stringField(doc, check.Field)
		if value == "" || check.Pattern == "" {
			return nil, nil
		}
		re, err := regexp.Compile(check.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", check.Pattern, err)
		}
		if re.MatchString(value) {
			return []claim.Anomaly{{
				Type:     "pattern",
				Message:  anomalyMessage(check, fmt.Sprintf("field %s matches suspicious pattern", check.Field)),
				Severity: severity,
				Field:    check.Field,
			}}, nil
		}
	case "custom":
		// Extension point; concrete detectors register their own rule type
		// (see the script rule for scripted checks).
		exec.Logger.Debug("custom anomaly check is a no-op", zap.String("field", check.Field))
	}
	return nil, nil
}

func anomalyMessage(check AnomalyCheck, fallback string) string {
	if check.Message != "" {
		return check.Message
	}
	return fallback
}

func compareThreshold(value float64, operator string, threshold float64) bool {
	switch operator {
	case ">", "gt":
		return value > threshold
	case ">=", "gte":
		return value >= threshold
	case "<", "lt":
		return value < threshold
	case "<=", "lte":
		return value <= threshold
	case "==", "eq":
		return value == threshold
	case "!=", "ne":
		return value != threshold
	default:
		return false
	}
}
