// Package claim defines the domain model shared across the adjudication
// pipeline: documents produced by OCR mapping, the anomalies attached to them
// for human review, settlement batches, and the reference entities
// (insurers, contracts, coverage conditions, medication prices,
// practitioners) that rules resolve against.
package claim

import "time"

// Document statuses. A document starts as pending, is validated or rejected
// by a reviewer, and flips to exported together with its batch.
const (
	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusRejected  = "rejected"
	StatusExported  = "exported"
)

// Anomaly severities. Severity expresses business urgency for reviewers;
// it never affects pipeline control flow.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Anomaly is an advisory flag attached to a document for manual review.
type Anomaly struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Field    string `json:"field,omitempty"`
}

// Document is a scanned claim form after OCR-to-document mapping.
// ExtractedData is the immutable OCR output; ComputedData grows across
// pipeline steps with later writes winning per key; Anomalies is append-only
// and keeps insertion order.
type Document struct {
	ID            string         `json:"id"`
	PipelineID    string         `json:"pipeline_id"`
	BatchID       string         `json:"batch_id,omitempty"`
	Status        string         `json:"status"`
	ExtractedData map[string]any `json:"extracted_data"`
	ComputedData  map[string]any `json:"computed_data"`
	Anomalies     []Anomaly      `json:"anomalies"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewDocument creates a pending document with initialized maps.
func NewDocument(id, pipelineID string, extracted map[string]any) *Document {
	if extracted == nil {
		extracted = make(map[string]any)
	}
	return &Document{
		ID:            id,
		PipelineID:    pipelineID,
		Status:        StatusPending,
		ExtractedData: extracted,
		ComputedData:  make(map[string]any),
		Metadata:      make(map[string]any),
		CreatedAt:     time.Now().UTC(),
	}
}

// Field returns a value by key, preferring computed data over extracted data.
// Pipeline steps read through this view so each step sees the merged output
// of its predecessors.
func (d *Document) Field(key string) (any, bool) {
	if v, ok := d.ComputedData[key]; ok {
		return v, true
	}
	v, ok := d.ExtractedData[key]
	return v, ok
}

// MergeComputed applies key-wise overwrites to the computed data.
func (d *Document) MergeComputed(values map[string]any) {
	if d.ComputedData == nil {
		d.ComputedData = make(map[string]any, len(values))
	}
	for k, v := range values {
		d.ComputedData[k] = v
	}
}

// AppendAnomalies appends anomalies preserving their order.
func (d *Document) AppendAnomalies(anomalies ...Anomaly) {
	d.Anomalies = append(d.Anomalies, anomalies...)
}

// MergeMetadata applies key-wise overwrites to the metadata.
func (d *Document) MergeMetadata(values map[string]any) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		d.Metadata[k] = v
	}
}
