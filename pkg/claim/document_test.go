package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldPrefersComputed(t *testing.T) {
	doc := NewDocument("d1", "p1", map[string]any{"amount": 10.0, "only_extracted": "x"})
	doc.MergeComputed(map[string]any{"amount": 40.0})

	v, ok := doc.Field("amount")
	assert.True(t, ok)
	assert.Equal(t, 40.0, v)

	v, ok = doc.Field("only_extracted")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = doc.Field("missing")
	assert.False(t, ok)
}

func TestMergeComputedLastWriteWins(t *testing.T) {
	doc := NewDocument("d1", "p1", nil)
	doc.MergeComputed(map[string]any{"a": 1, "b": 2})
	doc.MergeComputed(map[string]any{"b": 3})

	assert.Equal(t, 1, doc.ComputedData["a"])
	assert.Equal(t, 3, doc.ComputedData["b"])
}

func TestAppendAnomaliesKeepsOrder(t *testing.T) {
	doc := NewDocument("d1", "p1", nil)
	doc.AppendAnomalies(Anomaly{Type: "first"})
	doc.AppendAnomalies(Anomaly{Type: "second"}, Anomaly{Type: "third"})

	types := make([]string, 0, len(doc.Anomalies))
	for _, a := range doc.Anomalies {
		types = append(types, a.Type)
	}
	assert.Equal(t, []string{"first", "second", "third"}, types)
}

func TestMergeIntoNilMaps(t *testing.T) {
	doc := &Document{}
	doc.MergeComputed(map[string]any{"a": 1})
	doc.MergeMetadata(map[string]any{"b": 2})
	assert.Equal(t, 1, doc.ComputedData["a"])
	assert.Equal(t, 2, doc.Metadata["b"])
}
