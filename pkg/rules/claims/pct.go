package claims

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/normalize"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// PCTMatchRule fuzzy-matches each declared medication line item against the
// reference price list (PCT). Matched items accumulate reference price times
// quantity; unmatched items fall back to their declared price. The rule
// produces a per-item match list and the aggregate reference-price total
// used later to cap the reimbursement.
type PCTMatchRule struct{}

// NewPCTMatchRule creates the rule.
func NewPCTMatchRule() *PCTMatchRule { return &PCTMatchRule{} }

// Type returns the registry tag.
func (r *PCTMatchRule) Type() string { return "pct_match" }

// Execute matches declared medications against the price list.
func (r *PCTMatchRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	items := medicationItems(doc)
	if len(items) == 0 {
		return rules.OK(), nil
	}

	prices, err := exec.Reference.MedicationPrices(ctx)
	if err != nil {
		return rules.Result{}, fmt.Errorf("load medication prices: %w", err)
	}

	matches := make([]map[string]any, 0, len(items))
	var total float64
	for _, item := range items {
		entry := map[string]any{
			"name":     item.name,
			"quantity": item.quantity,
			"declared": item.declaredPrice,
			"matched":  false,
		}
		if ref := matchMedication(prices, item.name); ref != nil {
			lineTotal := ref.ReferencePrice * item.quantity
			entry["matched"] = true
			entry["code"] = ref.Code
			entry["reference_price"] = ref.ReferencePrice
			entry["line_total"] = round2(lineTotal)
			total += lineTotal
		} else {
			total += item.declaredPrice
			entry["line_total"] = round2(item.declaredPrice)
		}
		matches = append(matches, entry)
	}

	return rules.Result{
		Success: true,
		Computed: map[string]any{
			KeyPCTMatches:          matches,
			KeyReferencePriceTotal: round2(total),
		},
	}, nil
}

type medicationItem struct {
	name          string
	quantity      float64
	declaredPrice float64
}

// medicationItems reads the declared line items. Items missing a name are
// skipped; quantity defaults to 1.
func medicationItems(doc *claim.Document) []medicationItem {
	raw, ok := doc.Field(FieldMedications)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	items := make([]medicationItem, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		item := medicationItem{quantity: 1}
		if name, ok := m["name"].(string); ok {
			item.name = name
		}
		if item.name == "" {
			continue
		}
		if q, ok := toFloat(m["quantity"]); ok && q > 0 {
			item.quantity = q
		}
		if p, ok := toFloat(m["price"]); ok {
			item.declaredPrice = p
		}
		items = append(items, item)
	}
	return items
}

// matchMedication finds the first price-list entry whose name occurs in the
// declared label (or the reverse, for abbreviated OCR output).
func matchMedication(prices []claim.MedicationPrice, name string) *claim.MedicationPrice {
	for i := range prices {
		if normalize.Contains(name, prices[i].Name) || normalize.Contains(prices[i].Name, name) {
			return &prices[i]
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
