package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func NewAssociation(customerID, contactID, accountID, associationType string) Association {
	return Association{
		ID:             uuid.New(),
		CustomerID:     customerID,
		ContactID:      contactID,
		AccountID:      accountID,
		Metadata:       AssociationMetadata{Type: associationType},
		LastModifiedAt: time.Now().UTC(),
	}
}

// Edge is the comparable part of an Association.
type Edge struct {
	ContactID string
	AccountID string
	Type      string
}

func Edges(associations []Association) []Edge {
	edges := make([]Edge, 0, len(associations))
	for _, a := range associations {
		edges = append(edges, Edge{ContactID: a.ContactID, AccountID: a.AccountID, Type: a.Metadata.Type})
	}
	return edges
}

func replace(ctx context.Context, storage AssociationStorage, customerID string, contactIDs []string, associations []Association) (int64, error) {
	var inserted int64
	err := storage.WithTx(ctx, DefaultTxOptions, func(ctx context.Context, tx AssociationTx) error {
		if _, err := tx.DeleteAssociations(ctx, customerID, contactIDs); err != nil {
			return err
		}
		n, err := tx.InsertAssociations(ctx, associations)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *StoreTest) TestInsertAssociations(t *testing.T, storage AssociationStorage) {
	customerID := uuid.New().String()
	inserted, err := replace(context.Background(), storage, customerID, []string{"c1", "c2"}, []Association{
		NewAssociation(customerID, "c1", "a1", "contact_to_company"),
		NewAssociation(customerID, "c1", "a2", "contact_to_company"),
		NewAssociation(customerID, "c2", "a3", "contact_to_company_unlabeled"),
	})
	require.NoError(t, err, "failed to replace associations")
	require.Equal(t, int64(3), inserted)

	associations, err := storage.ListAssociations(context.Background(), customerID, nil)
	require.NoError(t, err, "failed to list associations")
	require.Equal(t, []Edge{
		{ContactID: "c1", AccountID: "a1", Type: "contact_to_company"},
		{ContactID: "c1", AccountID: "a2", Type: "contact_to_company"},
		{ContactID: "c2", AccountID: "a3", Type: "contact_to_company_unlabeled"},
	}, Edges(associations))
	for _, a := range associations {
		require.Equal(t, customerID, a.CustomerID)
		require.NotEqual(t, uuid.Nil, a.ID)
		require.False(t, a.LastModifiedAt.IsZero())
	}

	associations, err = storage.ListAssociations(context.Background(), customerID, []string{"c2"})
	require.NoError(t, err, "failed to list associations for c2")
	require.Equal(t, []Edge{{ContactID: "c2", AccountID: "a3", Type: "contact_to_company_unlabeled"}}, Edges(associations))
}

func (s *StoreTest) TestReplaceAssociations(t *testing.T, storage AssociationStorage) {
	customerID := uuid.New().String()
	_, err := replace(context.Background(), storage, customerID, []string{"c1", "c2"}, []Association{
		NewAssociation(customerID, "c1", "a1", "contact_to_company"),
		NewAssociation(customerID, "c2", "a2", "contact_to_company"),
	})
	require.NoError(t, err, "failed to replace associations")

	inserted, err := replace(context.Background(), storage, customerID, []string{"c1"}, []Association{
		NewAssociation(customerID, "c1", "a3", "contact_to_company"),
	})
	require.NoError(t, err, "failed to replace c1")
	require.Equal(t, int64(1), inserted)

	associations, err := storage.ListAssociations(context.Background(), customerID, nil)
	require.NoError(t, err, "failed to list associations")
	require.Equal(t, []Edge{
		{ContactID: "c1", AccountID: "a3", Type: "contact_to_company"},
		{ContactID: "c2", AccountID: "a2", Type: "contact_to_company"},
	}, Edges(associations))
}

func (s *StoreTest) TestDeleteScopedToCustomer(t *testing.T, storage AssociationStorage) {
	customerID := uuid.New().String()
	otherCustomerID := uuid.New().String()
	_, err := replace(context.Background(), storage, customerID, []string{"c1"}, []Association{
		NewAssociation(customerID, "c1", "a1", "contact_to_company"),
	})
	require.NoError(t, err, "failed to replace associations")
	_, err = replace(context.Background(), storage, otherCustomerID, []string{"c1"}, []Association{
		NewAssociation(otherCustomerID, "c1", "a9", "contact_to_company"),
	})
	require.NoError(t, err, "failed to replace other customer associations")

	_, err = replace(context.Background(), storage, customerID, []string{"c1"}, nil)
	require.NoError(t, err, "failed to clear c1")

	associations, err := storage.ListAssociations(context.Background(), customerID, nil)
	require.NoError(t, err, "failed to list associations")
	require.Empty(t, associations)

	associations, err = storage.ListAssociations(context.Background(), otherCustomerID, nil)
	require.NoError(t, err, "failed to list other customer associations")
	require.Equal(t, []Edge{{ContactID: "c1", AccountID: "a9", Type: "contact_to_company"}}, Edges(associations))
}

func (s *StoreTest) TestRollback(t *testing.T, storage AssociationStorage) {
	customerID := uuid.New().String()
	_, err := replace(context.Background(), storage, customerID, []string{"c1"}, []Association{
		NewAssociation(customerID, "c1", "a1", "contact_to_company"),
	})
	require.NoError(t, err, "failed to replace associations")

	errAbort := errors.New("abort")
	err = storage.WithTx(context.Background(), DefaultTxOptions, func(ctx context.Context, tx AssociationTx) error {
		deleted, err := tx.DeleteAssociations(ctx, customerID, []string{"c1"})
		require.NoError(t, err, "failed to delete inside transaction")
		require.Equal(t, int64(1), deleted)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	associations, err := storage.ListAssociations(context.Background(), customerID, nil)
	require.NoError(t, err, "failed to list associations")
	require.Equal(t, []Edge{{ContactID: "c1", AccountID: "a1", Type: "contact_to_company"}}, Edges(associations))
}

func (s *StoreTest) TestEmptyBatch(t *testing.T, storage AssociationStorage) {
	customerID := uuid.New().String()
	err := storage.WithTx(context.Background(), DefaultTxOptions, func(ctx context.Context, tx AssociationTx) error {
		deleted, err := tx.DeleteAssociations(ctx, customerID, nil)
		require.NoError(t, err, "failed to delete empty batch")
		require.Equal(t, int64(0), deleted)
		inserted, err := tx.InsertAssociations(ctx, nil)
		require.NoError(t, err, "failed to insert empty batch")
		require.Equal(t, int64(0), inserted)
		return nil
	})
	require.NoError(t, err, "empty transaction should commit")
}
