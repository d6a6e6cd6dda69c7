package claims

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/normalize"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// Canonical service types coverage conditions are keyed by.
const (
	ServiceConsultation    = "consultation"
	ServicePharmacie       = "pharmacie"
	ServiceHospitalisation = "hospitalisation"
	ServiceLaboratoire     = "laboratoire"
	ServiceRadiologie      = "radiologie"
)

// serviceKeywords maps folded keywords found in the free-text service type
// to a canonical service. First hit wins in declaration order.
var serviceKeywords = []struct {
	keyword string
	service string
}{
	{"pharma", ServicePharmacie},
	{"medicament", ServicePharmacie},
	{"hospit", ServiceHospitalisation},
	{"clinique", ServiceHospitalisation},
	{"labo", ServiceLaboratoire},
	{"analyse", ServiceLaboratoire},
	{"radio", ServiceRadiologie},
	{"scanner", ServiceRadiologie},
	{"irm", ServiceRadiologie},
	{"echographie", ServiceRadiologie},
	{"consult", ServiceConsultation},
}

// CanonicalServiceType folds the free-text service type and maps it onto a
// canonical service by keyword; unrecognized text defaults to consultation.
func CanonicalServiceType(text string) string {
	folded := normalize.Fold(text)
	for _, entry := range serviceKeywords {
		if folded != "" && normalize.Contains(folded, entry.keyword) {
			return entry.service
		}
	}
	return ServiceConsultation
}

// ConditionsLookupRule resolves the coverage conditions for the resolved
// contract and the canonicalized service type. Without a contract the rule
// is a no-op; a contract without configured conditions defaults the rate to
// zero and warns.
type ConditionsLookupRule struct{}

// NewConditionsLookupRule creates the rule.
func NewConditionsLookupRule() *ConditionsLookupRule { return &ConditionsLookupRule{} }

// Type returns the registry tag.
func (r *ConditionsLookupRule) Type() string { return "conditions_lookup" }

// Execute resolves coverage conditions.
func (r *ConditionsLookupRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	contractID := fieldString(doc, KeyContractID)
	if contractID == "" {
		return rules.OK(), nil
	}

	serviceType := CanonicalServiceType(fieldString(doc, FieldServiceType))

	coverage, err := exec.Reference.Coverage(ctx, contractID, serviceType)
	if err != nil {
		return rules.Result{}, fmt.Errorf("load coverage for contract %s: %w", contractID, err)
	}
	if coverage == nil {
		return rules.Result{
			Success: true,
			Computed: map[string]any{
				KeyServiceType:       serviceType,
				KeyReimbursementRate: 0.0,
			},
			Anomalies: []claim.Anomaly{{
				Type:     "conditions_not_found",
				Message:  fmt.Sprintf("no coverage conditions for contract %s and service %s", contractID, serviceType),
				Severity: claim.SeverityWarning,
			}},
		}, nil
	}

	return rules.Result{
		Success: true,
		Computed: map[string]any{
			KeyServiceType:       serviceType,
			KeyReimbursementRate: coverage.ReimbursementRate,
			KeyCeilingPerAct:     coverage.CeilingPerAct,
			KeyCeilingAnnual:     coverage.CeilingAnnual,
			KeyWaitingDays:       coverage.WaitingDays,
			KeySpecialConditions: coverage.SpecialConditions,
		},
	}, nil
}
