// Package rules defines the pluggable rule contract used by the pipeline
// engine. A rule is a stateless handler selected by a string type tag; the
// engine resolves rules through a Registry and merges their results into the
// document. New rule types plug in without touching the engine.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// StepConfig is one configured pipeline step: a display name, the registry
// type tag, and the rule-specific configuration blob.
type StepConfig struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Result is what a rule hands back to the engine. A Result never aborts the
// pipeline: on Success the engine merges Computed, appends Anomalies and
// merges Metadata; on failure it records the step failure and moves on.
type Result struct {
	Success   bool
	Computed  map[string]any
	Anomalies []claim.Anomaly
	Metadata  map[string]any
	Error     string
}

// OK returns a successful empty result.
func OK() Result {
	return Result{Success: true}
}

// Fail returns a failed result with a formatted message.
func Fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Rule is the contract all rule implementations satisfy. Execute receives
// the document (reading through the computed-data view accumulated so far),
// the step configuration, and the shared execution context. Returning an
// error is observationally identical to returning a failed Result.
type Rule interface {
	Type() string
	Execute(ctx context.Context, doc *claim.Document, step StepConfig, exec *Context) (Result, error)
}

// Registry maps rule type tags to implementations. It is populated at
// startup (see pkg/rules/all) and injected into the engine; it is not
// written to after bootstrap.
type Registry struct {
	rules  map[string]Rule
	logger *zap.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to a no-op.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rules:  make(map[string]Rule),
		logger: logger,
	}
}

// Register associates a rule's type tag with its implementation.
// Re-registration overwrites the previous implementation; this is logged,
// not rejected, so test fixtures can swap rules in.
func (r *Registry) Register(rule Rule) {
	tag := rule.Type()
	if _, exists := r.rules[tag]; exists {
		r.logger.Warn("overwriting registered rule", zap.String("type", tag))
	}
	r.rules[tag] = rule
}

// Get returns the rule registered for a type tag.
func (r *Registry) Get(tag string) (Rule, bool) {
	rule, ok := r.rules[tag]
	return rule, ok
}

// Has reports whether a rule is registered for a type tag.
func (r *Registry) Has(tag string) bool {
	_, ok := r.rules[tag]
	return ok
}

// RegisteredTypes returns all registered type tags.
func (r *Registry) RegisteredTypes() []string {
	types := make([]string, 0, len(r.rules))
	for tag := range r.rules {
		types = append(types, tag)
	}
	return types
}
