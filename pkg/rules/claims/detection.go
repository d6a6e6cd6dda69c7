package claims

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// AnomalyDetectionRule runs the three domain detectors:
//
//   - waiting-period violation: care delivered before the contract's waiting
//     period elapsed (error)
//   - unknown practitioner: the declared practitioner is absent from the
//     reference registry (info)
//   - potential duplicate: another non-rejected document shares patient,
//     care date and insurer (warning)
//
// Each detector guards its own inputs and silently skips when upstream
// linkage is missing.
type AnomalyDetectionRule struct{}

// NewAnomalyDetectionRule creates the rule.
func NewAnomalyDetectionRule() *AnomalyDetectionRule { return &AnomalyDetectionRule{} }

// Type returns the registry tag.
func (r *AnomalyDetectionRule) Type() string { return "anomaly_detection" }

// Execute runs the detectors.
func (r *AnomalyDetectionRule) Execute(ctx context.Context, doc *claim.Document, step rules.StepConfig, exec *rules.Context) (rules.Result, error) {
	var anomalies []claim.Anomaly

	if a := r.checkWaitingPeriod(doc); a != nil {
		anomalies = append(anomalies, *a)
	}
	a, err := r.checkPractitioner(ctx, doc, exec)
	if err != nil {
		return rules.Result{}, err
	}
	if a != nil {
		anomalies = append(anomalies, *a)
	}
	a, err = r.checkDuplicate(ctx, doc, exec)
	if err != nil {
		return rules.Result{}, err
	}
	if a != nil {
		anomalies = append(anomalies, *a)
	}

	return rules.Result{Success: true, Anomalies: anomalies}, nil
}

func (r *AnomalyDetectionRule) checkWaitingPeriod(doc *claim.Document) *claim.Anomaly {
	waitingDays, ok := fieldFloat(doc, KeyWaitingDays)
	if !ok || waitingDays <= 0 {
		return nil
	}
	contractStart, ok := fieldDate(doc, KeyContractStart)
	if !ok {
		return nil
	}
	careDate, ok := fieldDate(doc, FieldCareDate)
	if !ok {
		return nil
	}
	elapsed := careDate.Sub(contractStart).Hours() / 24
	if elapsed < waitingDays {
		return &claim.Anomaly{
			Type: "waiting_period_violation",
			Message: fmt.Sprintf("care on %s falls %d days after contract start, before the %d-day waiting period",
				careDate.Format(dateLayout), int(elapsed), int(waitingDays)),
			Severity: claim.SeverityError,
			Field:    FieldCareDate,
		}
	}
	return nil
}

func (r *AnomalyDetectionRule) checkPractitioner(ctx context.Context, doc *claim.Document, exec *rules.Context) (*claim.Anomaly, error) {
	nameOrCode := fieldString(doc, FieldPractitionerCode)
	field := FieldPractitionerCode
	if nameOrCode == "" {
		nameOrCode = fieldString(doc, FieldPractitionerName)
		field = FieldPractitionerName
	}
	if nameOrCode == "" {
		return nil, nil
	}
	known, err := exec.Reference.PractitionerExists(ctx, nameOrCode)
	if err != nil {
		return nil, fmt.Errorf("practitioner lookup: %w", err)
	}
	if known {
		return nil, nil
	}
	return &claim.Anomaly{
		Type:     "unknown_practitioner",
		Message:  fmt.Sprintf("practitioner %q is not in the reference registry", nameOrCode),
		Severity: claim.SeverityInfo,
		Field:    field,
	}, nil
}

func (r *AnomalyDetectionRule) checkDuplicate(ctx context.Context, doc *claim.Document, exec *rules.Context) (*claim.Anomaly, error) {
	patientID := fieldString(doc, FieldPatientID)
	careDate := fieldString(doc, FieldCareDate)
	companyID := fieldString(doc, KeyCompanyID)
	if patientID == "" || careDate == "" || companyID == "" || exec.Documents == nil {
		return nil, nil
	}
	dup, err := exec.Documents.HasDuplicate(ctx, rules.DuplicateQuery{
		PipelineID:   doc.PipelineID,
		ExcludeDocID: doc.ID,
		Fields: map[string]string{
			FieldPatientID: patientID,
			FieldCareDate:  careDate,
			KeyCompanyID:   companyID,
		},
		ExcludeRejected: true,
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	if !dup {
		return nil, nil
	}
	return &claim.Anomaly{
		Type: "potential_duplicate",
		Message: fmt.Sprintf("another document for patient %s on %s with the same insurer is already in the system",
			patientID, careDate),
		Severity: claim.SeverityWarning,
	}, nil
}
