package claims

import (
	"context"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ReimbursementCalcRule computes the reimbursement from the invoiced amount
// and the resolved coverage:
//
//	base = invoiced_amount * rate
//	capped at ceiling_per_act when one is set
//	capped at reference_price_total * rate when pct_match produced a total,
//	guarding against inflated invoices
//	ticket = invoiced_amount - reimbursement
//
// Both amounts are rounded to 2 decimals. Without an invoiced amount or a
// resolved rate the rule is a no-op.
type ReimbursementCalcRule struct{}

// NewReimbursementCalcRule creates the rule.
func NewReimbursementCalcRule() *ReimbursementCalcRule { return &ReimbursementCalcRule{} }

// Type returns the registry tag.
func (r *ReimbursementCalcRule) Type() string { return "reimbursement_calc" }

// Execute computes the reimbursement and the patient's residual share.
func (r *ReimbursementCalcRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	invoiced, ok := fieldFloat(doc, FieldInvoicedAmount)
	if !ok || invoiced <= 0 {
		return rules.OK(), nil
	}
	rate, ok := fieldFloat(doc, KeyReimbursementRate)
	if !ok {
		return rules.OK(), nil
	}

	base := invoiced * rate
	reimbursement := base

	if ceiling, ok := fieldFloat(doc, KeyCeilingPerAct); ok && ceiling > 0 && reimbursement > ceiling {
		reimbursement = ceiling
	}
	if refTotal, ok := fieldFloat(doc, KeyReferencePriceTotal); ok && refTotal > 0 {
		if refCap := refTotal * rate; reimbursement > refCap {
			reimbursement = refCap
		}
	}

	reimbursement = round2(reimbursement)
	ticket := round2(invoiced - reimbursement)

	return rules.Result{
		Success: true,
		Computed: map[string]any{
			KeyBaseReimbursement: round2(base),
			KeyReimbursement:     reimbursement,
			KeyTicketModerateur:  ticket,
		},
	}, nil
}
