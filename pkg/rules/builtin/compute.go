package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ComputeConfig configures one arithmetic computation.
type ComputeConfig struct {
	// Expression is the restricted arithmetic expression; identifiers are
	// document field references resolved through the computed view.
	Expression string `json:"expression"`
	// OutputKey receives the result in computed data.
	OutputKey string `json:"output_key"`
	// OutputType coerces the result: number (default), integer or string.
	OutputType string `json:"output_type,omitempty"`
}

// ComputeRule evaluates a restricted arithmetic expression over document
// fields. Rejected expressions (unknown identifiers, malformed input,
// division by zero) yield 0 rather than failing the step.
type ComputeRule struct{}

// NewComputeRule creates the compute rule.
func NewComputeRule() *ComputeRule { return &ComputeRule{} }

// Type returns the registry tag.
func (r *ComputeRule) Type() string { return "compute" }

// Execute evaluates the configured expression and writes the coerced result
// under the output key.
func (r *ComputeRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var cfg ComputeConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return rules.Result{}, fmt.Errorf("parse compute config: %w", err)
	}
	if cfg.Expression == "" {
		return rules.Result{}, fmt.Errorf("compute: expression is required")
	}
	if cfg.OutputKey == "" {
		return rules.Result{}, fmt.Errorf("compute: output_key is required")
	}

	value, err := evalExpression(cfg.Expression, numericFields(doc))
	if err != nil {
		exec.Logger.Debug("expression rejected",
			zap.String("step", step.Name),
			zap.String("expression", cfg.Expression),
			zap.String("reason", err.Error()))
		value = 0
	}

	return rules.Result{
		Success:  true,
		Computed: map[string]any{cfg.OutputKey: coerce(value, cfg.OutputType)},
	}, nil
}

// numericFields snapshots every document field that renders as a number,
// extracted data first so computed values win.
func numericFields(doc *claim.Document) map[string]float64 {
	fields := make(map[string]float64)
	for k, v := range doc.ExtractedData {
		if f, ok := asFloat(v); ok {
			fields[k] = f
		}
	}
	for k, v := range doc.ComputedData {
		if f, ok := asFloat(v); ok {
			fields[k] = f
		}
	}
	return fields
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func coerce(v float64, outputType string) any {
	switch outputType {
	case "integer", "int":
		return int64(v)
	case "string":
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return v
	}
}
