package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

type namedRule struct{ tag string }

func (r *namedRule) Type() string { return r.tag }

func (r *namedRule) Execute(context.Context, *claim.Document, StepConfig, *Context) (Result, error) {
	return OK(), nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&namedRule{tag: "alpha"})
	reg.Register(&namedRule{tag: "beta"})

	rule, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", rule.Type())

	_, ok = reg.Get("gamma")
	assert.False(t, ok)

	assert.True(t, reg.Has("beta"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, reg.RegisteredTypes())
}

func TestRegistryReRegisterOverwrites(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	first := &namedRule{tag: "alpha"}
	second := &namedRule{tag: "alpha"}
	reg.Register(first)
	reg.Register(second)

	rule, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Same(t, second, rule)
	assert.Len(t, reg.RegisteredTypes(), 1)
}

func TestLookupCache(t *testing.T) {
	cache := NewLookupCache()

	_, ok := cache.Get("companies", "name", "acme", "exact")
	assert.False(t, ok)

	rec := Record{"id": "c1"}
	cache.Put("companies", "name", "acme", "exact", rec)
	got, ok := cache.Get("companies", "name", "acme", "exact")
	require.True(t, ok)
	assert.Equal(t, "c1", got["id"])

	// Misses are cached too and are distinguishable from cold entries.
	cache.Put("companies", "name", "ghost", "exact", nil)
	got, ok = cache.Get("companies", "name", "ghost", "exact")
	assert.True(t, ok)
	assert.Nil(t, got)

	// Key includes the match type.
	_, ok = cache.Get("companies", "name", "acme", "fuzzy")
	assert.False(t, ok)
}

func TestLookupCacheRows(t *testing.T) {
	cache := NewLookupCache()

	_, ok := cache.Rows("companies")
	assert.False(t, ok)

	rows := []Record{{"id": "c1"}}
	cache.PutRows("companies", rows)
	got, ok := cache.Rows("companies")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestContextNow(t *testing.T) {
	exec := NewContext(PipelineRef{ID: "p1"}, nil, nil, nil)
	assert.WithinDuration(t, time.Now().UTC(), exec.Now(), time.Second)

	pinned := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	exec.WithNow(pinned)
	assert.Equal(t, pinned, exec.Now())
}
