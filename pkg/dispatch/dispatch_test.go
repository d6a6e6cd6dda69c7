package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	job := NewJob("doc-1", "pipe-1")
	assert.Equal(t, "doc-1", job.DocumentID)
	assert.Equal(t, "pipe-1", job.PipelineID)
	assert.NotEmpty(t, job.CorrelationID)
	assert.NotEmpty(t, job.CreatedAt)
	require.NoError(t, job.Validate())
}

func TestJobBuilders(t *testing.T) {
	job := NewJob("doc-1", "pipe-1").
		WithCorrelationID("corr-42").
		WithMetadata("source", "scanner-3")

	assert.Equal(t, "corr-42", job.CorrelationID)
	assert.Equal(t, "scanner-3", job.Metadata["source"])
}

func TestJobValidate(t *testing.T) {
	assert.Error(t, (&Job{PipelineID: "pipe-1"}).Validate())
	assert.Error(t, (&Job{DocumentID: "doc-1"}).Validate())
	assert.NoError(t, (&Job{DocumentID: "doc-1", PipelineID: "pipe-1"}).Validate())
}

func TestJobRoundTrip(t *testing.T) {
	job := NewJob("doc-1", "pipe-1").WithMetadata("k", "v")

	data, err := job.ToBytes()
	require.NoError(t, err)

	decoded, err := FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, job.DocumentID, decoded.DocumentID)
	assert.Equal(t, job.PipelineID, decoded.PipelineID)
	assert.Equal(t, job.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, "v", decoded.Metadata["k"])
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	_, err := FromBytes([]byte("not json"))
	assert.Error(t, err)
}
