package claims

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// AnnualCeilingRule enforces the per-patient-per-insurer annual ceiling.
// It sums the already-validated reimbursements for the same patient and
// insurer in the current calendar year; when this claim would push the
// total past the ceiling it clamps the reimbursement to the remaining
// allowance and emits a warning reporting both totals. Under the ceiling it
// only records the before/after/remaining figures.
type AnnualCeilingRule struct{}

// NewAnnualCeilingRule creates the rule.
func NewAnnualCeilingRule() *AnnualCeilingRule { return &AnnualCeilingRule{} }

// Type returns the registry tag.
func (r *AnnualCeilingRule) Type() string { return "annual_ceiling_check" }

// Execute applies the annual ceiling.
func (r *AnnualCeilingRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	ceiling, ok := fieldFloat(doc, KeyCeilingAnnual)
	if !ok || ceiling <= 0 {
		return rules.OK(), nil
	}
	reimbursement, ok := fieldFloat(doc, KeyReimbursement)
	if !ok {
		return rules.OK(), nil
	}
	companyID := fieldString(doc, KeyCompanyID)
	patientID := fieldString(doc, FieldPatientID)
	if companyID == "" || patientID == "" || exec.Documents == nil {
		return rules.OK(), nil
	}

	year := exec.Now().Year()
	if careDate, ok := fieldDate(doc, FieldCareDate); ok {
		year = careDate.Year()
	}

	ytd, err := exec.Documents.SumValidatedReimbursements(ctx, companyID, patientID, year)
	if err != nil {
		return rules.Result{}, fmt.Errorf("sum validated reimbursements: %w", err)
	}

	computed := map[string]any{
		KeyCeilingYTD: round2(ytd),
	}

	if ytd+reimbursement > ceiling {
		remaining := ceiling - ytd
		if remaining < 0 {
			remaining = 0
		}
		clamped := round2(remaining)
		computed[KeyReimbursement] = clamped
		computed[KeyCeilingAfter] = round2(ytd + clamped)
		computed[KeyCeilingRemaining] = 0.0
		if invoiced, ok := fieldFloat(doc, FieldInvoicedAmount); ok {
			computed[KeyTicketModerateur] = round2(invoiced - clamped)
		}
		return rules.Result{
			Success:  true,
			Computed: computed,
			Anomalies: []claim.Anomaly{{
				Type: "annual_ceiling_exceeded",
				Message: fmt.Sprintf("claim of %.2f on top of %.2f already reimbursed exceeds annual ceiling %.2f; reimbursement clamped to %.2f",
					reimbursement, ytd, ceiling, clamped),
				Severity: claim.SeverityWarning,
			}},
		}, nil
	}

	computed[KeyCeilingAfter] = round2(ytd + reimbursement)
	computed[KeyCeilingRemaining] = round2(ceiling - ytd - reimbursement)
	return rules.Result{Success: true, Computed: computed}, nil
}
