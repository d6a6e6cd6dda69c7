package pipeline

import (
	"time"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// StepTrace records one step's execution for callers inspecting a run.
type StepTrace struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is the outcome of executing a pipeline against one document.
// Success is initialized true and is not flipped by individual step
// failures; callers inspect StepTraces for per-step outcomes. Anomalies
// contains the document's pre-existing anomalies as a prefix, in their
// original order, followed by those added during the run.
type Result struct {
	DocumentID string          `json:"document_id"`
	PipelineID string          `json:"pipeline_id"`
	Success    bool            `json:"success"`
	Computed   map[string]any  `json:"computed"`
	Anomalies  []claim.Anomaly `json:"anomalies"`
	Metadata   map[string]any  `json:"metadata"`
	StepTraces []StepTrace     `json:"step_traces"`
	Duration   time.Duration   `json:"duration"`
}

// FailedSteps returns the names of steps whose trace records a failure.
func (r *Result) FailedSteps() []string {
	var failed []string
	for _, t := range r.StepTraces {
		if !t.Success {
			failed = append(failed, t.Name)
		}
	}
	return failed
}
