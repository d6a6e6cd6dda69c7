package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

type stubStore struct {
	pipelines map[string]*Config
}

func (s *stubStore) GetPipeline(_ context.Context, id string) (*Config, error) {
	return s.pipelines[id], nil
}

// fakeRule is a scriptable rule for exercising the engine.
type fakeRule struct {
	typ  string
	exec func(doc *claim.Document, step rules.StepConfig) (rules.Result, error)
}

func (r *fakeRule) Type() string { return r.typ }

func (r *fakeRule) Execute(_ context.Context, doc *claim.Document, step rules.StepConfig, _ *rules.Context) (rules.Result, error) {
	return r.exec(doc, step)
}

func newTestEngine(t *testing.T, ruleSet ...rules.Rule) *Engine {
	t.Helper()
	registry := rules.NewRegistry(zap.NewNop())
	for _, r := range ruleSet {
		registry.Register(r)
	}
	engine, err := NewEngine(&stubStore{}, registry, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func steps(types ...string) []rules.StepConfig {
	out := make([]rules.StepConfig, 0, len(types))
	for _, typ := range types {
		out = append(out, rules.StepConfig{Name: typ + "-step", Type: typ})
	}
	return out
}

func TestExecuteProducesOneTracePerStep(t *testing.T) {
	engine := newTestEngine(t, &fakeRule{
		typ: "noop",
		exec: func(*claim.Document, rules.StepConfig) (rules.Result, error) {
			return rules.OK(), nil
		},
	})
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	cfg := &Config{ID: "pipe-1", Steps: steps("noop", "noop", "noop")}

	result := engine.Execute(context.Background(), doc, cfg)

	require.Len(t, result.StepTraces, 3)
	for _, tr := range result.StepTraces {
		assert.True(t, tr.Success)
		assert.Empty(t, tr.Error)
	}
	assert.True(t, result.Success)
}

func TestExecuteUnknownRuleTypeFailsStepWithoutAnomaly(t *testing.T) {
	engine := newTestEngine(t)
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	cfg := &Config{ID: "pipe-1", Steps: []rules.StepConfig{{Name: "mystery", Type: "nonexistent"}}}

	result := engine.Execute(context.Background(), doc, cfg)

	require.Len(t, result.StepTraces, 1)
	assert.False(t, result.StepTraces[0].Success)
	assert.Equal(t, "unknown rule type", result.StepTraces[0].Error)
	assert.Empty(t, result.Anomalies)
	assert.True(t, result.Success)
}

func TestExecuteContinuesAfterStepFailure(t *testing.T) {
	engine := newTestEngine(t,
		&fakeRule{typ: "failing", exec: func(*claim.Document, rules.StepConfig) (rules.Result, error) {
			return rules.Fail("boom"), nil
		}},
		&fakeRule{typ: "writer", exec: func(*claim.Document, rules.StepConfig) (rules.Result, error) {
			r := rules.OK()
			r.Computed = map[string]any{"after": true}
			return r, nil
		}},
	)
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	cfg := &Config{ID: "pipe-1", Steps: steps("failing", "writer")}

	result := engine.Execute(context.Background(), doc, cfg)

	require.Len(t, result.StepTraces, 2)
	assert.False(t, result.StepTraces[0].Success)
	assert.True(t, result.StepTraces[1].Success)
	assert.Equal(t, true, result.Computed["after"])

	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, "rule_error", result.Anomalies[0].Type)
	assert.Equal(t, claim.SeverityWarning, result.Anomalies[0].Severity)
	assert.Contains(t, result.Anomalies[0].Message, "failing-step failed: boom")
}

func TestExecutePanicIsIdenticalToFailure(t *testing.T) {
	engine := newTestEngine(t, &fakeRule{
		typ: "panicking",
		exec: func(*claim.Document, rules.StepConfig) (rules.Result, error) {
			panic("oh no")
		},
	})
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	cfg := &Config{ID: "pipe-1", Steps: steps("panicking")}

	result := engine.Execute(context.Background(), doc, cfg)

	require.Len(t, result.StepTraces, 1)
	assert.False(t, result.StepTraces[0].Success)
	assert.Contains(t, result.StepTraces[0].Error, "rule panicked")
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, "rule_error", result.Anomalies[0].Type)
}

func TestExecuteComputedLastWriteWins(t *testing.T) {
	engine := newTestEngine(t, &fakeRule{
		typ: "writer",
		exec: func(_ *claim.Document, step rules.StepConfig) (rules.Result, error) {
			r := rules.OK()
			r.Computed = map[string]any{"value": step.Name}
			return r, nil
		},
	})
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	cfg := &Config{ID: "pipe-1", Steps: []rules.StepConfig{
		{Name: "first", Type: "writer"},
		{Name: "second", Type: "writer"},
	}}

	result := engine.Execute(context.Background(), doc, cfg)

	assert.Equal(t, "second", result.Computed["value"])
}

func TestExecuteAnomaliesAppendInOrder(t *testing.T) {
	engine := newTestEngine(t, &fakeRule{
		typ: "flagger",
		exec: func(_ *claim.Document, step rules.StepConfig) (rules.Result, error) {
			r := rules.OK()
			r.Anomalies = []claim.Anomaly{{Type: step.Name, Message: "m", Severity: claim.SeverityInfo}}
			return r, nil
		},
	})
	doc := claim.NewDocument("doc-1", "pipe-1", nil)
	doc.AppendAnomalies(claim.Anomaly{Type: "preexisting", Message: "kept", Severity: claim.SeverityError})
	cfg := &Config{ID: "pipe-1", Steps: []rules.StepConfig{
		{Name: "a", Type: "flagger"},
		{Name: "b", Type: "flagger"},
	}}

	result := engine.Execute(context.Background(), doc, cfg)

	require.Len(t, result.Anomalies, 3)
	assert.Equal(t, "preexisting", result.Anomalies[0].Type)
	assert.Equal(t, "a", result.Anomalies[1].Type)
	assert.Equal(t, "b", result.Anomalies[2].Type)
}

func TestLoadPipeline(t *testing.T) {
	store := &stubStore{pipelines: map[string]*Config{
		"active":   {ID: "active", Active: true},
		"inactive": {ID: "inactive", Active: false},
	}}
	registry := rules.NewRegistry(zap.NewNop())
	engine, err := NewEngine(store, registry, nil, nil, zap.NewNop())
	require.NoError(t, err)

	cfg, err := engine.LoadPipeline(context.Background(), "active")
	require.NoError(t, err)
	assert.Equal(t, "active", cfg.ID)

	_, err = engine.LoadPipeline(context.Background(), "inactive")
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	_, err = engine.LoadPipeline(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestFailedSteps(t *testing.T) {
	r := &Result{StepTraces: []StepTrace{
		{Name: "ok", Success: true},
		{Name: "bad", Success: false},
		{Name: "worse", Success: false},
	}}
	assert.Equal(t, []string{"bad", "worse"}, r.FailedSteps())
}
