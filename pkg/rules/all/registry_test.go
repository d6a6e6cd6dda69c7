package all

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewRegistryHasAllBuiltins(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	for _, tag := range []string{
		"lookup",
		"compute",
		"validate",
		"anomaly",
		"script",
		"company_lookup",
		"contract_lookup",
		"conditions_lookup",
		"pct_match",
		"reimbursement_calc",
		"annual_ceiling_check",
		"anomaly_detection",
	} {
		assert.True(t, registry.Has(tag), "missing rule type %s", tag)
	}
	assert.Len(t, registry.RegisteredTypes(), 12)
}
