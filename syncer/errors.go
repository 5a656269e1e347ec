package syncer

import (
	"errors"
	"fmt"

	"github.com/breez/association-sync/crm"
)

// ErrRepeatedCursor is returned when the listing hands back the cursor it was
// asked for, which would otherwise loop forever.
var ErrRepeatedCursor = errors.New("next cursor repeats the requested cursor")

// PersistenceError means the replace transaction failed and none of its
// deletes or inserts were kept.
type PersistenceError struct {
	CustomerID string
	Contacts   int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to replace associations of %d contacts for customer %v: %v", e.Contacts, e.CustomerID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RunError reports which page aborted a run. Page is 1-based and Cursor is
// the cursor that was in flight, so the page can be refetched.
type RunError struct {
	Page   int
	Cursor crm.Cursor
	During State
	Err    error
}

func (e *RunError) Error() string {
	cursor := string(e.Cursor)
	if e.Cursor.IsZero() {
		cursor = "<first>"
	}
	return fmt.Sprintf("sync failed while %v page %d (cursor %v): %v", e.During, e.Page, cursor, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
