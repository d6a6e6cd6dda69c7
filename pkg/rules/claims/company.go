package claims

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/normalize"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// CompanyLookupRule resolves the insurer, first by fuzzy name match against
// the extracted company name, then by longest-matching policy-number prefix
// across all contracts. An unresolved insurer yields a company_not_found
// warning and no computed fields.
type CompanyLookupRule struct{}

// NewCompanyLookupRule creates the rule.
func NewCompanyLookupRule() *CompanyLookupRule { return &CompanyLookupRule{} }

// Type returns the registry tag.
func (r *CompanyLookupRule) Type() string { return "company_lookup" }

// Execute resolves the insurer.
func (r *CompanyLookupRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	name := fieldString(doc, FieldCompanyName)
	policyNumber := fieldString(doc, FieldPolicyNumber)

	if company := r.byName(ctx, name, exec); company != nil {
		return resolved(company), nil
	}
	if company := r.byPolicyPrefix(ctx, policyNumber, exec); company != nil {
		return resolved(company), nil
	}

	label := name
	if label == "" {
		label = policyNumber
	}
	return rules.Result{
		Success: true,
		Anomalies: []claim.Anomaly{{
			Type:     "company_not_found",
			Message:  fmt.Sprintf("no insurer matches %q", label),
			Severity: claim.SeverityWarning,
			Field:    FieldCompanyName,
		}},
	}, nil
}

func resolved(company *claim.Company) rules.Result {
	return rules.Result{
		Success: true,
		Computed: map[string]any{
			KeyCompanyID:   company.ID,
			KeyCompanyName: company.Name,
		},
	}
}

// byName matches insurer names with accent-insensitive substring matching,
// in either direction since OCR output may abbreviate or pad the name.
func (r *CompanyLookupRule) byName(ctx context.Context, name string, exec *rules.Context) *claim.Company {
	if name == "" {
		return nil
	}
	companies, err := exec.Reference.Companies(ctx)
	if err != nil {
		exec.Logger.Warn("loading companies failed: " + err.Error())
		return nil
	}
	for i := range companies {
		if normalize.Contains(name, companies[i].Name) || normalize.Contains(companies[i].Name, name) {
			return &companies[i]
		}
	}
	return nil
}

// byPolicyPrefix finds the contract with the longest policy prefix matching
// the declared policy number and returns its insurer.
func (r *CompanyLookupRule) byPolicyPrefix(ctx context.Context, policyNumber string, exec *rules.Context) *claim.Company {
	if policyNumber == "" {
		return nil
	}
	contracts, err := exec.Reference.Contracts(ctx)
	if err != nil {
		exec.Logger.Warn("loading contracts failed: " + err.Error())
		return nil
	}
	var best *claim.Contract
	for i := range contracts {
		c := &contracts[i]
		if c.PolicyPrefix == "" || !strings.HasPrefix(policyNumber, c.PolicyPrefix) {
			continue
		}
		if best == nil || len(c.PolicyPrefix) > len(best.PolicyPrefix) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	companies, err := exec.Reference.Companies(ctx)
	if err != nil {
		return nil
	}
	for i := range companies {
		if companies[i].ID == best.CompanyID {
			return &companies[i]
		}
	}
	return nil
}
