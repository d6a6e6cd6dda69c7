package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/rules"
)

// ReferenceStore reads the reference tables rules resolve against.
// It satisfies rules.ReferenceStore.
type ReferenceStore struct {
	db DB
}

func NewReferenceStore(db DB) *ReferenceStore {
	return &ReferenceStore{db: db}
}

// referenceTables whitelists the table names generic lookups may target.
var referenceTables = map[string]bool{
	"companies":         true,
	"contracts":         true,
	"coverages":         true,
	"medication_prices": true,
	"practitioners":     true,
}

// Table returns all rows of a named reference table as generic records.
// Column names become record keys. Unknown names are rejected so step
// configuration cannot reach arbitrary tables.
func (s *ReferenceStore) Table(ctx context.Context, name string) ([]rules.Record, error) {
	if !referenceTables[name] {
		return nil, fmt.Errorf("unknown reference table: %s", name)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+name)
	if err != nil {
		return nil, fmt.Errorf("load reference table %s: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("load reference table %s: %w", name, err)
	}

	var out []rules.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("load reference table %s: %w", name, err)
		}
		record := make(rules.Record, len(columns))
		for i, col := range columns {
			v := values[i]
			// The pgx stdlib driver hands text columns back as []byte.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *ReferenceStore) Companies(ctx context.Context) ([]claim.Company, error) {
	const query = `SELECT id, name FROM companies ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load companies: %w", err)
	}
	defer rows.Close()

	var out []claim.Company
	for rows.Next() {
		var c claim.Company
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("load companies: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ReferenceStore) Contracts(ctx context.Context) ([]claim.Contract, error) {
	const query = `
		SELECT id, company_id, policy_prefix, valid_from, valid_to
		FROM contracts`
	return s.queryContracts(ctx, query)
}

func (s *ReferenceStore) ContractsByCompany(ctx context.Context, companyID string) ([]claim.Contract, error) {
	const query = `
		SELECT id, company_id, policy_prefix, valid_from, valid_to
		FROM contracts
		WHERE company_id = $1`
	return s.queryContracts(ctx, query, companyID)
}

func (s *ReferenceStore) queryContracts(ctx context.Context, query string, args ...any) ([]claim.Contract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	defer rows.Close()

	var out []claim.Contract
	for rows.Next() {
		var c claim.Contract
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.PolicyPrefix, &c.ValidFrom, &c.ValidTo); err != nil {
			return nil, fmt.Errorf("load contracts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Coverage returns the conditions for a contract and canonical service type,
// or (nil, nil) when none are configured.
func (s *ReferenceStore) Coverage(ctx context.Context, contractID, serviceType string) (*claim.Coverage, error) {
	const query = `
		SELECT contract_id, service_type, reimbursement_rate,
		       ceiling_per_act, ceiling_annual, waiting_days, special_conditions
		FROM coverages
		WHERE contract_id = $1 AND service_type = $2`

	var (
		c       claim.Coverage
		special sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, contractID, serviceType).Scan(
		&c.ContractID, &c.ServiceType, &c.ReimbursementRate,
		&c.CeilingPerAct, &c.CeilingAnnual, &c.WaitingDays, &special,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load coverage for contract %s type %s: %w", contractID, serviceType, err)
	}
	c.SpecialConditions = special.String
	return &c, nil
}

func (s *ReferenceStore) MedicationPrices(ctx context.Context) ([]claim.MedicationPrice, error) {
	const query = `SELECT code, name, reference_price FROM medication_prices`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load medication prices: %w", err)
	}
	defer rows.Close()

	var out []claim.MedicationPrice
	for rows.Next() {
		var m claim.MedicationPrice
		if err := rows.Scan(&m.Code, &m.Name, &m.ReferencePrice); err != nil {
			return nil, fmt.Errorf("load medication prices: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PractitionerExists matches a registered practitioner by code or name.
func (s *ReferenceStore) PractitionerExists(ctx context.Context, nameOrCode string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM practitioners
			WHERE code = $1 OR lower(name) = lower($1)
		)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, nameOrCode).Scan(&exists); err != nil {
		return false, fmt.Errorf("practitioner lookup: %w", err)
	}
	return exists, nil
}

var _ rules.ReferenceStore = (*ReferenceStore)(nil)
