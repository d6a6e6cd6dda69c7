package claims

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ContractLookupRule resolves the contract by longest-matching policy
// prefix, scoped to the insurer when company_lookup already resolved one.
// It independently checks the contract's validity window against today:
// a contract that has not started and one that has expired both raise error
// anomalies, and both can fire on a window that is inverted in the data.
type ContractLookupRule struct{}

// NewContractLookupRule creates the rule.
func NewContractLookupRule() *ContractLookupRule { return &ContractLookupRule{} }

// Type returns the registry tag.
func (r *ContractLookupRule) Type() string { return "contract_lookup" }

// Execute resolves the contract.
func (r *ContractLookupRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	policyNumber := fieldString(doc, FieldPolicyNumber)
	if policyNumber == "" {
		return rules.Result{
			Success: true,
			Anomalies: []claim.Anomaly{{
				Type:     "policy_number_missing",
				Message:  "document carries no policy number",
				Severity: claim.SeverityWarning,
				Field:    FieldPolicyNumber,
			}},
		}, nil
	}

	contracts, err := r.candidates(ctx, doc, exec)
	if err != nil {
		return rules.Result{}, err
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
		return rules.Result{
			Success: true,
			Anomalies: []claim.Anomaly{{
				Type:     "contract_not_found",
				Message:  fmt.Sprintf("no contract matches policy number %q", policyNumber),
				Severity: claim.SeverityWarning,
				Field:    FieldPolicyNumber,
			}},
		}, nil
	}

	var anomalies []claim.Anomaly
	today := exec.Now()
	if today.Before(best.ValidFrom) {
		anomalies = append(anomalies, claim.Anomaly{
			Type:     "contract_not_started",
			Message:  fmt.Sprintf("contract %s starts %s", best.ID, best.ValidFrom.Format(dateLayout)),
			Severity: claim.SeverityError,
		})
	}
	if today.After(best.ValidTo) {
		anomalies = append(anomalies, claim.Anomaly{
			Type:     "contract_expired",
			Message:  fmt.Sprintf("contract %s expired %s", best.ID, best.ValidTo.Format(dateLayout)),
			Severity: claim.SeverityError,
		})
	}

	return rules.Result{
		Success: true,
		Computed: map[string]any{
			KeyContractID:    best.ID,
			KeyCompanyID:     best.CompanyID,
			KeyContractStart: best.ValidFrom.Format(dateLayout),
			KeyContractEnd:   best.ValidTo.Format(dateLayout),
		},
		Anomalies: anomalies,
	}, nil
}

// candidates returns the insurer's contracts when one is resolved, or all
// contracts otherwise.
func (r *ContractLookupRule) candidates(ctx context.Context, doc *claim.Document, exec *rules.Context) ([]claim.Contract, error) {
	if companyID := fieldString(doc, KeyCompanyID); companyID != "" {
		contracts, err := exec.Reference.ContractsByCompany(ctx, companyID)
		if err != nil {
			return nil, fmt.Errorf("load contracts for company %s: %w", companyID, err)
		}
		return contracts, nil
	}
	contracts, err := exec.Reference.Contracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	return contracts, nil
}
