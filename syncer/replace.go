package syncer

import (
	"context"
	"fmt"

	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/store"
	"github.com/google/uuid"
)

type ReplaceResult struct {
	Deleted  int64
	Inserted int64
}

// BuildAssociations derives the edge set of contacts. Contacts without
// embedded companies contribute nothing, and repeated (contact, company,
// type) triples collapse to a single edge.
func (r *Reconciler) BuildAssociations(contacts []crm.Contact) []store.Association {
	type key struct{ contact, account, kind string }
	seen := make(map[key]struct{})
	modifiedAt := r.now().UTC()

	var associations []store.Association
	for _, contact := range contacts {
		for _, company := range contact.Companies() {
			k := key{contact.ID, company.ID, company.Type}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			associations = append(associations, store.Association{
				ID:             uuid.New(),
				CustomerID:     r.customerID,
				ContactID:      contact.ID,
				AccountID:      company.ID,
				Metadata:       store.AssociationMetadata{Type: company.Type},
				LastModifiedAt: modifiedAt,
			})
		}
	}
	return associations
}

// ReplaceContacts deletes every stored edge of the given contacts and inserts
// their current edges in a single transaction. Applying the same contacts
// again yields the same edge set. On failure nothing is kept and a
// *PersistenceError is returned.
func (r *Reconciler) ReplaceContacts(ctx context.Context, contacts []crm.Contact) (ReplaceResult, error) {
	if len(contacts) == 0 {
		return ReplaceResult{}, nil
	}
	contactIDs := make([]string, 0, len(contacts))
	for _, c := range contacts {
		contactIDs = append(contactIDs, c.ID)
	}
	associations := r.BuildAssociations(contacts)

	var result ReplaceResult
	err := r.storage.WithTx(ctx, r.txOptions, func(ctx context.Context, tx store.AssociationTx) error {
		deleted, err := tx.DeleteAssociations(ctx, r.customerID, contactIDs)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertAssociations(ctx, associations)
		if err != nil {
			return err
		}
		if inserted != int64(len(associations)) {
			return fmt.Errorf("inserted %d associations, expected %d", inserted, len(associations))
		}
		result = ReplaceResult{Deleted: deleted, Inserted: inserted}
		return nil
	})
	if err != nil {
		return ReplaceResult{}, &PersistenceError{CustomerID: r.customerID, Contacts: len(contacts), Err: err}
	}
	return result, nil
}

// SyncContact replaces the stored edges of a single contact, for callers that
// receive contacts one at a time instead of walking the listing.
func (r *Reconciler) SyncContact(ctx context.Context, contact crm.Contact) (ReplaceResult, error) {
	if err := contact.Validate(); err != nil {
		return ReplaceResult{}, err
	}
	result, err := r.ReplaceContacts(ctx, []crm.Contact{contact})
	if err != nil {
		return ReplaceResult{}, err
	}
	r.logger.InfoContext(ctx, "synced contact",
		"contact_id", contact.ID,
		"deleted", result.Deleted,
		"inserted", result.Inserted)
	return result, nil
}
