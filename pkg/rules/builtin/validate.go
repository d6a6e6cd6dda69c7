package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ValidateCheck is one declarative check applied to a document field.
type ValidateCheck struct {
	Field string `json:"field"`
	// Type is required, format, range, enum or custom.
	Type string `json:"type"`
	// Format names the format for format checks: email, phone, cin, date,
	// number, positive, or regex (with Pattern).
	Format  string   `json:"format,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Values  []string `json:"values,omitempty"`
	// Expression is a single "field OP value" comparison for custom checks.
	Expression string `json:"expression,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ValidateConfig configures the validate rule.
type ValidateConfig struct {
	Checks []ValidateCheck `json:"checks"`
}

// ValidateRule applies declarative per-field checks. Each failing check
// yields one validation_<type> anomaly; the step itself always succeeds.
type ValidateRule struct{}

// NewValidateRule creates the validate rule.
func NewValidateRule() *ValidateRule { return &ValidateRule{} }

// Type returns the registry tag.
func (r *ValidateRule) Type() string { return "validate" }

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 .-]{6,17}$`)
	cinPattern   = regexp.MustCompile(`^[0-9]{8}$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Execute runs every configured check in order.
func (r *ValidateRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var cfg ValidateConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return rules.Result{}, fmt.Errorf("parse validate config: %w", err)
	}

	var anomalies []claim.Anomaly
	for _, check := range cfg.Checks {
		if check.Field == "" && check.Type != "custom" {
			continue
		}
		if msg := r.apply(doc, check); msg != "" {
			anomalies = append(anomalies, claim.Anomaly{
				Type:     "validation_" + check.Type,
				Message:  msg,
				Severity: claim.SeverityWarning,
				Field:    check.Field,
			})
		}
	}

	return rules.Result{Success: true, Anomalies: anomalies}, nil
}

// apply returns a failure message, or empty when the check passes. Checks
// other than required pass vacuously on empty values.
func (r *ValidateRule) apply(doc *claim.Document, check ValidateCheck) string {
	value := stringField(doc, check.Field)

	switch check.Type {
	case "required":
		if value == "" {
			return failureMessage(check, fmt.Sprintf("field %s is required", check.Field))
		}
	case "format":
		if value == "" {
			return ""
		}
		if !matchFormat(value, check) {
			return failureMessage(check, fmt.Sprintf("field %s does not match format %s", check.Field, check.Format))
		}
	case "range":
		if value == "" {
			return ""
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return failureMessage(check, fmt.Sprintf("field %s is not numeric", check.Field))
		}
		if check.Min != nil && n < *check.Min {
			return failureMessage(check, fmt.Sprintf("field %s is below minimum %v", check.Field, *check.Min))
		}
		if check.Max != nil && n > *check.Max {
			return failureMessage(check, fmt.Sprintf("field %s exceeds maximum %v", check.Field, *check.Max))
		}
	case "enum":
		if value == "" {
			return ""
		}
		for _, allowed := range check.Values {
			if value == allowed {
				return ""
			}
		}
		return failureMessage(check, fmt.Sprintf("field %s has value %q outside allowed set", check.Field, value))
	case "custom":
		ok, err := evalComparison(doc, check.Expression)
		if err != nil {
			return failureMessage(check, err.Error())
		}
		if !ok {
			return failureMessage(check, fmt.Sprintf("condition %q not satisfied", check.Expression))
		}
	}
	return ""
}

func failureMessage(check ValidateCheck, fallback string) string {
	if check.Message != "" {
		return check.Message
	}
	return fallback
}

func matchFormat(value string, check ValidateCheck) bool {
	switch check.Format {
	case "email":
		return emailPattern.MatchString(value)
	case "phone":
		return phonePattern.MatchString(value)
	case "cin":
		return cinPattern.MatchString(value)
	case "date":
		return datePattern.MatchString(value)
	case "number":
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	case "positive":
		n, err := strconv.ParseFloat(value, 64)
		return err == nil && n > 0
	case "regex":
		re, err := regexp.Compile(check.Pattern)
		return err == nil && re.MatchString(value)
	default:
		return false
	}
}

var comparisonPattern = regexp.MustCompile(`^\s*(\w+)\s*(==|!=|>=|<=|>|<)\s*(.+?)\s*$`)

// evalComparison parses and evaluates a single "field OP value" comparison.
// Operands compare numerically when both sides parse as numbers, otherwise
// as strings.
func evalComparison(doc *claim.Document, expression string) (bool, error) {
	m := comparisonPattern.FindStringSubmatch(expression)
	if m == nil {
		return false, fmt.Errorf("invalid comparison %q", expression)
	}
	field, op, want := m[1], m[2], strings.Trim(m[3], `"'`)
	got := stringField(doc, field)

	gotN, errG := strconv.ParseFloat(got, 64)
	wantN, errW := strconv.ParseFloat(want, 64)
	if errG == nil && errW == nil {
		switch op {
		case "==":
			return gotN == wantN, nil
		case "!=":
			return gotN != wantN, nil
		case ">":
			return gotN > wantN, nil
		case ">=":
			return gotN >= wantN, nil
		case "<":
			return gotN < wantN, nil
		case "<=":
			return gotN <= wantN, nil
		}
	}
	switch op {
	case "==":
		return got == want, nil
	case "!=":
		return got != want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}
