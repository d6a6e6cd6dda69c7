// Package claims implements the insurer-specific rule set that adjudicates
// a healthcare claim form (bulletin de soin): resolving the insurer,
// contract and coverage conditions, validating declared medication prices
// against the reference price list, computing the reimbursement and the
// patient's residual share (ticket modérateur), enforcing the annual
// ceiling, and flagging domain anomalies.
//
// The seven rules are designed to chain in order, each reading the computed
// output of its predecessors. Every rule degrades gracefully: when an
// upstream linkage is missing (for example no contract was resolved) the
// rule is a no-op instead of a failure.
package claims

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// Computed-data keys shared between the chained rules.
const (
	KeyCompanyID           = "company_id"
	KeyCompanyName         = "company_name"
	KeyContractID          = "contract_id"
	KeyContractStart       = "contract_start"
	KeyContractEnd         = "contract_end"
	KeyServiceType         = "service_type"
	KeyReimbursementRate   = "reimbursement_rate"
	KeyCeilingPerAct       = "ceiling_per_act"
	KeyCeilingAnnual       = "ceiling_annual"
	KeyWaitingDays         = "waiting_days"
	KeySpecialConditions   = "special_conditions"
	KeyPCTMatches          = "pct_matches"
	KeyReferencePriceTotal = "reference_price_total"
	KeyBaseReimbursement   = "base_reimbursement"
	KeyReimbursement       = "reimbursement_amount"
	KeyTicketModerateur    = "ticket_moderateur"
	KeyCeilingYTD          = "annual_ceiling_before"
	KeyCeilingAfter        = "annual_ceiling_after"
	KeyCeilingRemaining    = "annual_ceiling_remaining"
)

// Extracted-data keys produced by the OCR mapping.
const (
	FieldCompanyName      = "company_name"
	FieldPolicyNumber     = "policy_number"
	FieldPatientID        = "patient_id"
	FieldCareDate         = "care_date"
	FieldServiceType      = "service_type"
	FieldInvoicedAmount   = "invoiced_amount"
	FieldMedications      = "medications"
	FieldPractitionerName = "practitioner_name"
	FieldPractitionerCode = "practitioner_code"
)

const dateLayout = "2006-01-02"

// fieldString reads a field through the computed view as a trimmed string.
func fieldString(doc *claim.Document, key string) string {
	v, ok := doc.Field(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

// fieldFloat reads a field through the computed view as a float.
func fieldFloat(doc *claim.Document, key string) (float64, bool) {
	v, ok := doc.Field(key)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// fieldDate reads a field through the computed view as a date.
func fieldDate(doc *claim.Document, key string) (time.Time, bool) {
	s := fieldString(doc, key)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{dateLayout, "02/01/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// round2 rounds monetary amounts to 2 decimals, half away from zero.
func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}
