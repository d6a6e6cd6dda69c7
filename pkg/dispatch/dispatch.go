// Package dispatch defines the wire message that queues a document for
// pipeline processing, plus the JetStream publish and receive helpers
// around it.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Job asks a worker to run one document through its pipeline. Jobs are
// serialized to JSON for transmission and persisted according to the
// stream's configuration.
type Job struct {
	// CorrelationID tracks related messages across the system.
	CorrelationID string `json:"correlationId,omitempty"`

	// DocumentID identifies the document to process.
	DocumentID string `json:"documentId"`

	// PipelineID identifies the pipeline to run.
	PipelineID string `json:"pipelineId"`

	// Metadata holds additional key-value pairs for the job.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the job was published.
	CreatedAt string `json:"createdAt"`
}

// NewJob creates a job with a fresh correlation id and timestamp.
func NewJob(documentID, pipelineID string) *Job {
	return &Job{
		CorrelationID: uuid.NewString(),
		DocumentID:    documentID,
		PipelineID:    pipelineID,
		Metadata:      make(map[string]string),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// WithCorrelationID overrides the generated correlation id.
func (j *Job) WithCorrelationID(correlationID string) *Job {
	j.CorrelationID = correlationID
	return j
}

// WithMetadata adds a metadata entry to the job.
func (j *Job) WithMetadata(key, value string) *Job {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
	return j
}

// Validate checks the job carries the fields a worker needs.
func (j *Job) Validate() error {
	if j.DocumentID == "" {
		return fmt.Errorf("job missing document id")
	}
	if j.PipelineID == "" {
		return fmt.Errorf("job missing pipeline id")
	}
	return nil
}

// ToBytes serializes the job to JSON.
func (j *Job) ToBytes() ([]byte, error) {
	return json.Marshal(j)
}

// FromBytes deserializes a job from JSON.
func FromBytes(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Publisher publishes jobs to a JetStream subject.
type Publisher struct {
	js      nats.JetStreamContext
	subject string
}

// NewPublisher creates a publisher for the given subject.
func NewPublisher(js nats.JetStreamContext, subject string) *Publisher {
	return &Publisher{js: js, subject: subject}
}

// Publish sends one job, returning after JetStream acknowledges persistence.
func (p *Publisher) Publish(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := job.ToBytes()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := p.js.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish job for document %s: %w", job.DocumentID, err)
	}
	return nil
}
