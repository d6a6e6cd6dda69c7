// Package all is the single bootstrap composition point that assembles a
// rule registry with every built-in rule registered. Applications call
// NewRegistry once at startup and inject the result into the engine.
package all

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/rules"
	"github.com/wehubfusion/Asclepius/pkg/rules/builtin"
	"github.com/wehubfusion/Asclepius/pkg/rules/claims"
)

// NewRegistry creates a registry with the generic primitives and the claim
// adjudication rule set registered.
func NewRegistry(logger *zap.Logger) *rules.Registry {
	registry := rules.NewRegistry(logger)

	// Generic primitives
	registry.Register(builtin.NewLookupRule())
	registry.Register(builtin.NewComputeRule())
	registry.Register(builtin.NewValidateRule())
	registry.Register(builtin.NewAnomalyRule())
	registry.Register(builtin.NewScriptRule())

	// Claim adjudication chain
	registry.Register(claims.NewCompanyLookupRule())
	registry.Register(claims.NewContractLookupRule())
	registry.Register(claims.NewConditionsLookupRule())
	registry.Register(claims.NewPCTMatchRule())
	registry.Register(claims.NewReimbursementCalcRule())
	registry.Register(claims.NewAnnualCeilingRule())
	registry.Register(claims.NewAnomalyDetectionRule())

	return registry
}
