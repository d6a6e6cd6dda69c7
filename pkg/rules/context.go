package rules

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/claim"
)

// Record is a raw reference-table row.
type Record = map[string]any

// ReferenceStore gives rules read access to the reference tables. Generic
// lookups load whole tables and match in memory; the execution-local cache
// keeps each table from being fetched more than once per run.
type ReferenceStore interface {
	// Table returns all rows of a named reference table.
	Table(ctx context.Context, name string) ([]Record, error)
	Companies(ctx context.Context) ([]claim.Company, error)
	Contracts(ctx context.Context) ([]claim.Contract, error)
	ContractsByCompany(ctx context.Context, companyID string) ([]claim.Contract, error)
	// Coverage returns the conditions for a contract and canonical service
	// type, or nil when none are configured.
	Coverage(ctx context.Context, contractID, serviceType string) (*claim.Coverage, error)
	MedicationPrices(ctx context.Context) ([]claim.MedicationPrice, error)
	// PractitionerExists matches by code or name.
	PractitionerExists(ctx context.Context, nameOrCode string) (bool, error)
}

// DuplicateQuery describes a search for documents sharing field values with
// the one being processed.
type DuplicateQuery struct {
	PipelineID   string
	ExcludeDocID string
	// Fields maps extracted-data keys to the values that must all match.
	Fields map[string]string
	// WithinDays bounds the search window; zero means unbounded.
	WithinDays int
	// ExcludeRejected skips documents in rejected status.
	ExcludeRejected bool
}

// DocumentQueries gives rules read access to other documents, for duplicate
// detection and annual-ceiling accounting.
type DocumentQueries interface {
	// SumValidatedReimbursements totals the validated reimbursements for a
	// patient and insurer in a calendar year.
	SumValidatedReimbursements(ctx context.Context, companyID, patientID string, year int) (float64, error)
	// HasDuplicate reports whether another document matches the query.
	HasDuplicate(ctx context.Context, q DuplicateQuery) (bool, error)
}

// PipelineRef identifies the pipeline a rule runs under.
type PipelineRef struct {
	ID   string
	Name string
}

// Context is the shared execution context handed to every step of one
// document run. The lookup cache is created fresh per execution and never
// shared across documents.
type Context struct {
	Pipeline  PipelineRef
	Reference ReferenceStore
	Documents DocumentQueries
	Cache     *LookupCache
	Logger    *zap.Logger

	// now overrides the clock in tests; zero means time.Now.
	now time.Time
}

// NewContext creates an execution context with a fresh lookup cache.
func NewContext(pipeline PipelineRef, ref ReferenceStore, docs DocumentQueries, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		Pipeline:  pipeline,
		Reference: ref,
		Documents: docs,
		Cache:     NewLookupCache(),
		Logger:    logger,
	}
}

// WithNow pins the context clock, for deterministic date arithmetic in tests.
func (c *Context) WithNow(t time.Time) *Context {
	c.now = t
	return c
}

// Now returns the context clock.
func (c *Context) Now() time.Time {
	if !c.now.IsZero() {
		return c.now
	}
	return time.Now().UTC()
}
