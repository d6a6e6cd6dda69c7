package claim

import "time"

// Company is an insurer.
type Company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Contract is an insurance contract identified by a policy-number prefix.
// Policy numbers are matched by longest prefix because insurers encode the
// contract family in the leading digits.
type Contract struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	PolicyPrefix string    `json:"policy_prefix"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
}

// Coverage holds the reimbursement conditions of a contract for one
// canonical service type.
type Coverage struct {
	ContractID        string  `json:"contract_id"`
	ServiceType       string  `json:"service_type"`
	ReimbursementRate float64 `json:"reimbursement_rate"`
	CeilingPerAct     float64 `json:"ceiling_per_act"`
	CeilingAnnual     float64 `json:"ceiling_annual"`
	WaitingDays       int     `json:"waiting_days"`
	SpecialConditions string  `json:"special_conditions,omitempty"`
}

// MedicationPrice is one entry of the reference price list (PCT) used to
// validate declared drug prices.
type MedicationPrice struct {
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	ReferencePrice float64 `json:"reference_price"`
}

// Practitioner is a registered healthcare practitioner.
type Practitioner struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
