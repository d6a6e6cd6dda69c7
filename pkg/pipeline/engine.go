package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ErrPipelineNotFound is returned by LoadPipeline when the definition is
// missing or inactive.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Store is the persistence surface the engine needs: fetching pipeline
// definitions. Inactive pipelines are treated as absent.
type Store interface {
	GetPipeline(ctx context.Context, id string) (*Config, error)
}

// Engine executes pipeline definitions against documents. Rules are
// resolved through the injected registry; the engine has no compile-time
// knowledge of concrete rule types.
type Engine struct {
	store     Store
	registry  *rules.Registry
	reference rules.ReferenceStore
	documents rules.DocumentQueries
	logger    *zap.Logger

	// now overrides the clock handed to rule contexts in tests.
	now time.Time
}

// NewEngine creates an engine. The registry must be populated before any
// pipeline executes.
func NewEngine(store Store, registry *rules.Registry, reference rules.ReferenceStore, documents rules.DocumentQueries, logger *zap.Logger) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		registry:  registry,
		reference: reference,
		documents: documents,
		logger:    logger,
	}, nil
}

// WithNow pins the clock handed to rule execution contexts.
func (e *Engine) WithNow(t time.Time) *Engine {
	e.now = t
	return e
}

// LoadPipeline fetches and deserializes a pipeline definition.
func (e *Engine) LoadPipeline(ctx context.Context, id string) (*Config, error) {
	if e.store == nil {
		return nil, errors.New("engine has no pipeline store")
	}
	cfg, err := e.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Active {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return cfg, nil
}

// Execute runs every configured step in order against the document. The run
// is best-effort and never aborts early: unknown rule types, explicit
// failures, and panics all degrade to a failed step trace, and the remaining
// steps still run. The returned result carries the merged computed data, the
// full anomaly list with pre-existing entries as an ordered prefix, merged
// metadata, one trace per configured step, and the total duration.
func (e *Engine) Execute(ctx context.Context, doc *claim.Document, cfg *Config) *Result {
	start := time.Now()

	execCtx := rules.NewContext(
		rules.PipelineRef{ID: cfg.ID, Name: cfg.Name},
		e.reference,
		e.documents,
		e.logger,
	)
	if !e.now.IsZero() {
		execCtx.WithNow(e.now)
	}

	result := &Result{
		DocumentID: doc.ID,
		PipelineID: cfg.ID,
		Success:    true,
		StepTraces: make([]StepTrace, 0, len(cfg.Steps)),
	}

	for _, step := range cfg.Steps {
		trace := e.executeStep(ctx, doc, step, execCtx)
		result.StepTraces = append(result.StepTraces, trace)
	}

	result.Computed = doc.ComputedData
	result.Anomalies = doc.Anomalies
	result.Metadata = doc.Metadata
	result.Duration = time.Since(start)
	return result
}

// executeStep runs a single step and applies its result to the document.
func (e *Engine) executeStep(ctx context.Context, doc *claim.Document, step rules.StepConfig, execCtx *rules.Context) StepTrace {
	stepStart := time.Now()

	rule, ok := e.registry.Get(step.Type)
	if !ok {
		e.logger.Warn("unknown rule type",
			zap.String("step", step.Name),
			zap.String("type", step.Type))
		return StepTrace{
			Name:     step.Name,
			Success:  false,
			Duration: time.Since(stepStart),
			Error:    "unknown rule type",
		}
	}

	res, err := e.invoke(ctx, rule, doc, step, execCtx)
	if err != nil {
		res = rules.Result{Error: err.Error()}
	}

	if !res.Success {
		doc.AppendAnomalies(claim.Anomaly{
			Type:     "rule_error",
			Message:  fmt.Sprintf("step %s failed: %s", step.Name, res.Error),
			Severity: claim.SeverityWarning,
		})
		e.logger.Warn("rule step failed",
			zap.String("step", step.Name),
			zap.String("type", step.Type),
			zap.String("error", res.Error))
		return StepTrace{
			Name:     step.Name,
			Success:  false,
			Duration: time.Since(stepStart),
			Error:    res.Error,
		}
	}

	doc.MergeComputed(res.Computed)
	doc.AppendAnomalies(res.Anomalies...)
	doc.MergeMetadata(res.Metadata)

	return StepTrace{
		Name:     step.Name,
		Success:  true,
		Duration: time.Since(stepStart),
	}
}

// invoke calls the rule, converting a panic into a failed result so a
// misbehaving rule is observationally identical to one returning an explicit
// failure.
func (e *Engine) invoke(ctx context.Context, rule rules.Rule, doc *claim.Document, step rules.StepConfig, execCtx *rules.Context) (res rules.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = rules.Result{}
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Execute(ctx, doc, step, execCtx)
}
