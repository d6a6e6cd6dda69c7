package batch

import "fmt"

// NotFoundError reports an operation on an unknown batch.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("batch not found: %s", e.ID)
}

// InvalidTransitionError reports a requested transition outside the guarded
// transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid batch transition: %s -> %s", e.From, e.To)
}

// PendingDocumentsError reports a verification attempt on a batch that
// still contains pending documents.
type PendingDocumentsError struct {
	Count int
}

func (e *PendingDocumentsError) Error() string {
	return fmt.Sprintf("%d documents pending validation", e.Count)
}

// CannotReopenError reports a reopen attempt on an exported or settled
// batch, which is distinct from an ordinary invalid transition.
type CannotReopenError struct {
	Status string
}

func (e *CannotReopenError) Error() string {
	return fmt.Sprintf("cannot reopen batch in status: %s", e.Status)
}
