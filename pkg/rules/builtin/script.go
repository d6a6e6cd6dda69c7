package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ScriptConfig configures a scripted detector.
type ScriptConfig struct {
	// Source is the JavaScript source. It runs in a sandbox with a read-only
	// `document` global and must evaluate to an object; the optional
	// `computed` map and `anomalies` array of that object are merged into
	// the step result.
	Source string `json:"source"`
	// TimeoutMs interrupts long-running scripts. Default 1000.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// ScriptRule executes an operator-supplied JavaScript detector in a
// restricted sandbox. It is the live extension point behind the anomaly
// rule's inert custom type: host access is stripped and execution is
// interrupted after the configured timeout.
type ScriptRule struct{}

// NewScriptRule creates the script rule.
func NewScriptRule() *ScriptRule { return &ScriptRule{} }

// Type returns the registry tag.
func (r *ScriptRule) Type() string { return "script" }

// Globals removed from the runtime before user source runs.
var blockedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
	"eval",
}

// Execute runs the configured script against the document view.
func (r *ScriptRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var cfg ScriptConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return rules.Result{}, fmt.Errorf("parse script config: %w", err)
	}
	if cfg.Source == "" {
		return rules.Result{}, fmt.Errorf("script: source is required")
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	vm := goja.New()
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return rules.Result{}, fmt.Errorf("sandbox setup: %w", err)
		}
	}
	if err := vm.Set("document", map[string]any{
		"id":        doc.ID,
		"extracted": doc.ExtractedData,
		"computed":  doc.ComputedData,
		"metadata":  doc.Metadata,
	}); err != nil {
		return rules.Result{}, fmt.Errorf("sandbox setup: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("script timeout")
	})
	defer timer.Stop()

	value, err := vm.RunString(cfg.Source)
	if err != nil {
		return rules.Result{}, fmt.Errorf("script: %w", err)
	}

	return scriptResult(value)
}

// scriptResult converts the script's return value into a rule result.
func scriptResult(value goja.Value) (rules.Result, error) {
	result := rules.Result{Success: true}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return result, nil
	}

	raw, err := json.Marshal(value.Export())
	if err != nil {
		return rules.Result{}, fmt.Errorf("script: export result: %w", err)
	}

	var out struct {
		Computed  map[string]any  `json:"computed"`
		Anomalies []claim.Anomaly `json:"anomalies"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return rules.Result{}, fmt.Errorf("script: result must be an object: %w", err)
	}

	for i := range out.Anomalies {
		if out.Anomalies[i].Severity == "" {
			out.Anomalies[i].Severity = claim.SeverityInfo
		}
	}
	result.Computed = out.Computed
	result.Anomalies = out.Anomalies
	return result, nil
}
