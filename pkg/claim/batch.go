package claim

import "time"

// Batch statuses forming the settlement lifecycle. Transitions between them
// are guarded by the batch service; settled is terminal.
const (
	BatchOpen     = "open"
	BatchClosed   = "closed"
	BatchVerified = "verified"
	BatchExported = "exported"
	BatchSettled  = "settled"
)

// Batch groups documents sharing a grouping key (typically the insurer) so
// they can be closed, verified, exported and settled together.
type Batch struct {
	ID            string     `json:"id"`
	PipelineID    string     `json:"pipeline_id"`
	GroupKey      string     `json:"group_key"`
	GroupLabel    string     `json:"group_label"`
	Status        string     `json:"status"`
	DocumentCount int        `json:"document_count"`
	ExportKey     string     `json:"export_key,omitempty"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ExportedAt    *time.Time `json:"exported_at,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	SettledAmount *float64   `json:"settled_amount,omitempty"`
}

// BatchConfig is the batch-grouping section of a pipeline definition.
// GroupBy names the document field whose value becomes the group key;
// MaxCount and MaxDays bound how long a batch stays open.
type BatchConfig struct {
	GroupBy        string `json:"group_by"`
	MaxCount       int    `json:"max_count"`
	MaxDays        int    `json:"max_days"`
	ExportTemplate string `json:"export_template"`
}
