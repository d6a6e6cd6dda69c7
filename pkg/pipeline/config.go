// Package pipeline contains the pipeline engine: it loads pipeline
// definitions and executes their configured rule steps in order against one
// document, merging each step's output into the input of the next.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// Config is a pipeline definition: an ordered step list plus the batch
// grouping configuration. Step order is authoritative and never reordered.
type Config struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Steps  []rules.StepConfig `json:"steps"`
	Batch  claim.BatchConfig  `json:"batch"`
	Active bool               `json:"active"`
}

// ParseSteps deserializes a persisted step list.
func ParseSteps(raw []byte) ([]rules.StepConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var steps []rules.StepConfig
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("parse pipeline steps: %w", err)
	}
	return steps, nil
}

// ParseBatchConfig deserializes a persisted batch grouping configuration.
func ParseBatchConfig(raw []byte) (claim.BatchConfig, error) {
	var cfg claim.BatchConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse batch config: %w", err)
	}
	return cfg, nil
}
