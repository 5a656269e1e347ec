package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/store"
	"github.com/breez/association-sync/store/sqlite"
	"github.com/breez/association-sync/supaglue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testCustomerID = "customer-1"

type pageResult struct {
	page *crm.ContactPage
	err  error
}

// stubReader serves results in order and records the cursors it was asked for.
type stubReader struct {
	results []pageResult
	cursors []crm.Cursor
}

func (s *stubReader) FetchPage(ctx context.Context, cursor crm.Cursor) (*crm.ContactPage, error) {
	s.cursors = append(s.cursors, cursor)
	if len(s.cursors) > len(s.results) {
		return nil, fmt.Errorf("unexpected call %d", len(s.cursors))
	}
	r := s.results[len(s.cursors)-1]
	return r.page, r.err
}

func contact(id string, accountIDs ...string) crm.Contact {
	c := crm.Contact{ID: id}
	if len(accountIDs) == 0 {
		return c
	}
	list := &crm.AssociationList{}
	for _, accountID := range accountIDs {
		list.Results = append(list.Results, crm.AssociatedObject{ID: accountID, Type: "contact_to_company"})
	}
	c.Associations = &crm.ContactAssociations{Companies: list}
	return c
}

func edge(contactID, accountID string) store.Edge {
	return store.Edge{ContactID: contactID, AccountID: accountID, Type: "contact_to_company"}
}

func newTestStorage(t *testing.T) *sqlite.SQLiteAssociationStorage {
	t.Helper()
	storage, err := sqlite.NewSQLiteAssociationStorage(fmt.Sprintf("file:%v?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestReconciler(t *testing.T, reader ContactReader, storage store.AssociationStorage, metrics *Metrics) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(Config{
		CustomerID: testCustomerID,
		Reader:     reader,
		Storage:    storage,
		Metrics:    metrics,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err, "failed to create reconciler")
	return reconciler
}

func seed(t *testing.T, storage store.AssociationStorage, associations ...store.Association) {
	t.Helper()
	err := storage.WithTx(context.Background(), store.DefaultTxOptions, func(ctx context.Context, tx store.AssociationTx) error {
		_, err := tx.InsertAssociations(ctx, associations)
		return err
	})
	require.NoError(t, err, "failed to seed associations")
}

func listEdges(t *testing.T, storage store.AssociationStorage) []store.Edge {
	t.Helper()
	associations, err := storage.ListAssociations(context.Background(), testCustomerID, nil)
	require.NoError(t, err, "failed to list associations")
	return store.Edges(associations)
}

func TestEndToEndSinglePage(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage, store.NewAssociation(testCustomerID, "c2", "old", "contact_to_company"))

	reader := &stubReader{results: []pageResult{
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a1"), contact("c2")}}},
	}}
	summary, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	require.NoError(t, err, "run should succeed")
	require.Equal(t, StateDone, summary.State)
	require.Equal(t, 1, summary.Pages)
	require.Equal(t, 2, summary.Contacts)
	require.Equal(t, int64(1), summary.Deleted)
	require.Equal(t, int64(1), summary.Inserted)
	require.Equal(t, []crm.Cursor{crm.NoCursor}, reader.cursors)
	require.Equal(t, []store.Edge{edge("c1", "a1")}, listEdges(t, storage))
}

func TestPaginationTermination(t *testing.T) {
	storage := newTestStorage(t)
	const pages = 3
	var results []pageResult
	for i := 0; i < pages; i++ {
		results = append(results, pageResult{page: &crm.ContactPage{
			Contacts:   []crm.Contact{contact(fmt.Sprintf("c%d", i), fmt.Sprintf("a%d", i))},
			NextCursor: crm.Cursor(fmt.Sprintf("cursor-%d", i)),
		}})
	}
	results = append(results, pageResult{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c3")}}})
	reader := &stubReader{results: results}

	summary, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	require.NoError(t, err, "run should succeed")
	require.Equal(t, StateDone, summary.State)
	require.Equal(t, pages+1, summary.Pages)
	require.Equal(t, []crm.Cursor{crm.NoCursor, "cursor-0", "cursor-1", "cursor-2"}, reader.cursors)
	require.Equal(t, []store.Edge{edge("c0", "a0"), edge("c1", "a1"), edge("c2", "a2")}, listEdges(t, storage))
}

func TestEmptyPageWithCursorContinues(t *testing.T) {
	storage := newTestStorage(t)
	reader := &stubReader{results: []pageResult{
		{page: &crm.ContactPage{NextCursor: "next"}},
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a1")}}},
	}}

	summary, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	require.NoError(t, err, "run should succeed")
	require.Equal(t, 2, summary.Pages)
	require.Len(t, reader.cursors, 2)
	require.Equal(t, []store.Edge{edge("c1", "a1")}, listEdges(t, storage))
}

func TestRepeatedCursorAbortsRun(t *testing.T) {
	storage := newTestStorage(t)
	reader := &stubReader{results: []pageResult{
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a1")}, NextCursor: "same"}},
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c2", "a2")}, NextCursor: "same"}},
	}}

	summary, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	require.ErrorIs(t, err, ErrRepeatedCursor)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "expected run error, got %v", err)
	require.Equal(t, 2, runErr.Page)
	require.Equal(t, crm.Cursor("same"), runErr.Cursor)
	require.Equal(t, StateFailed, summary.State)
	require.Equal(t, 1, summary.Pages)
	require.Len(t, reader.cursors, 2)
	require.Equal(t, []store.Edge{edge("c1", "a1")}, listEdges(t, storage))
}

func TestReplaceIsIdempotent(t *testing.T) {
	storage := newTestStorage(t)
	reconciler := newTestReconciler(t, &stubReader{}, storage, nil)
	contacts := []crm.Contact{contact("c1", "a1", "a2"), contact("c2", "a3"), contact("c3")}

	_, err := reconciler.ReplaceContacts(context.Background(), contacts)
	require.NoError(t, err, "first apply should succeed")
	once := listEdges(t, storage)

	result, err := reconciler.ReplaceContacts(context.Background(), contacts)
	require.NoError(t, err, "second apply should succeed")
	require.Equal(t, int64(3), result.Deleted)
	require.Equal(t, int64(3), result.Inserted)
	require.Equal(t, once, listEdges(t, storage))
}

func TestReplaceIsComplete(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage,
		store.NewAssociation(testCustomerID, "c1", "stale", "contact_to_company"),
		store.NewAssociation(testCustomerID, "c3", "stale", "contact_to_company"),
		store.NewAssociation(testCustomerID, "untouched", "a9", "contact_to_company"),
	)
	reconciler := newTestReconciler(t, &stubReader{}, storage, nil)

	_, err := reconciler.ReplaceContacts(context.Background(), []crm.Contact{
		contact("c1", "a1", "a2"), contact("c2", "a3"), contact("c3"),
	})
	require.NoError(t, err, "apply should succeed")

	associations, err := storage.ListAssociations(context.Background(), testCustomerID, []string{"c1", "c2", "c3"})
	require.NoError(t, err, "failed to list associations")
	require.Equal(t, []store.Edge{edge("c1", "a1"), edge("c1", "a2"), edge("c2", "a3")}, store.Edges(associations))

	// contacts that are not part of the batch keep their edges
	associations, err = storage.ListAssociations(context.Background(), testCustomerID, []string{"untouched"})
	require.NoError(t, err, "failed to list associations")
	require.Equal(t, []store.Edge{edge("untouched", "a9")}, store.Edges(associations))
}

func TestEmptyAssociationsClearEdges(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage, store.NewAssociation(testCustomerID, "c1", "a1", "contact_to_company"))
	reconciler := newTestReconciler(t, &stubReader{}, storage, nil)

	for _, c := range []crm.Contact{
		{ID: "c1"},
		{ID: "c1", Associations: &crm.ContactAssociations{}},
		{ID: "c1", Associations: &crm.ContactAssociations{Companies: &crm.AssociationList{}}},
	} {
		_, err := reconciler.ReplaceContacts(context.Background(), []crm.Contact{c})
		require.NoError(t, err, "apply should succeed")
		require.Empty(t, listEdges(t, storage))
	}
}

func TestDuplicateAssociationsCollapse(t *testing.T) {
	storage := newTestStorage(t)
	reconciler := newTestReconciler(t, &stubReader{}, storage, nil)

	c := contact("c1", "a1", "a1")
	c.Associations.Companies.Results = append(c.Associations.Companies.Results,
		crm.AssociatedObject{ID: "a1", Type: "contact_to_company_unlabeled"})
	result, err := reconciler.ReplaceContacts(context.Background(), []crm.Contact{c, contact("c1", "a1")})
	require.NoError(t, err, "apply should succeed")
	require.Equal(t, int64(2), result.Inserted)
	require.Equal(t, []store.Edge{
		edge("c1", "a1"),
		{ContactID: "c1", AccountID: "a1", Type: "contact_to_company_unlabeled"},
	}, listEdges(t, storage))
}

type failingStorage struct {
	store.AssociationStorage
	insertErr error
}

func (f *failingStorage) WithTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.AssociationTx) error) error {
	return f.AssociationStorage.WithTx(ctx, opts, func(ctx context.Context, tx store.AssociationTx) error {
		return fn(ctx, &failingTx{AssociationTx: tx, insertErr: f.insertErr})
	})
}

// failingTx deletes for real and then fails the insert.
type failingTx struct {
	store.AssociationTx
	insertErr error
}

func (t *failingTx) InsertAssociations(ctx context.Context, associations []store.Association) (int64, error) {
	return 0, t.insertErr
}

func TestReplaceIsAtomic(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage,
		store.NewAssociation(testCustomerID, "c1", "a1", "contact_to_company"),
		store.NewAssociation(testCustomerID, "c2", "a2", "contact_to_company"),
	)
	before := listEdges(t, storage)

	errInsert := errors.New("insert failed")
	reader := &stubReader{results: []pageResult{
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a3"), contact("c2")}, NextCursor: "next"}},
	}}
	reconciler := newTestReconciler(t, reader, &failingStorage{AssociationStorage: storage, insertErr: errInsert}, nil)

	summary, err := reconciler.RunFullSync(context.Background())
	require.Error(t, err, "run should fail")
	require.Equal(t, StateFailed, summary.State)
	require.ErrorIs(t, err, errInsert)

	var persistenceErr *PersistenceError
	require.True(t, errors.As(err, &persistenceErr), "expected persistence error, got %v", err)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "expected run error, got %v", err)
	require.Equal(t, 1, runErr.Page)
	require.Equal(t, StateApplyingPage, runErr.During)
	require.True(t, runErr.Cursor.IsZero())

	require.Len(t, reader.cursors, 1, "failed page must not be followed by another fetch")
	require.Equal(t, before, listEdges(t, storage))
}

func TestTransportFailureKeepsCommittedPages(t *testing.T) {
	storage := newTestStorage(t)
	page1 := &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a1"), contact("c2", "a2")}, NextCursor: "page-2"}
	transportErr := &supaglue.TransportError{Path: crm.ContactsPath, StatusCode: 502, Err: errors.New("bad gateway")}

	failing := &stubReader{results: []pageResult{{page: page1}, {err: transportErr}}}
	summary, err := newTestReconciler(t, failing, storage, nil).RunFullSync(context.Background())
	require.Error(t, err, "run should fail")
	require.Equal(t, StateFailed, summary.State)
	require.Equal(t, 1, summary.Pages)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "expected run error, got %v", err)
	require.Equal(t, 2, runErr.Page)
	require.Equal(t, crm.Cursor("page-2"), runErr.Cursor)
	require.Equal(t, StateFetchingPage, runErr.During)
	var gotTransportErr *supaglue.TransportError
	require.True(t, errors.As(err, &gotTransportErr), "expected transport error, got %v", err)

	afterFailure := listEdges(t, storage)
	require.Equal(t, []store.Edge{edge("c1", "a1"), edge("c2", "a2")}, afterFailure)

	// a fresh run starts over from the first page and converges to the same set
	healthy := &stubReader{results: []pageResult{{page: page1}, {page: &crm.ContactPage{}}}}
	summary, err = newTestReconciler(t, healthy, storage, nil).RunFullSync(context.Background())
	require.NoError(t, err, "second run should succeed")
	require.Equal(t, StateDone, summary.State)
	require.Equal(t, crm.NoCursor, healthy.cursors[0])
	require.Equal(t, afterFailure, listEdges(t, storage))
}

func TestDecodeFailureAbortsRun(t *testing.T) {
	storage := newTestStorage(t)
	reader := &stubReader{results: []pageResult{{err: &supaglue.DecodeError{Path: crm.ContactsPath, Err: errors.New("bad json")}}}}

	summary, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	var decodeErr *supaglue.DecodeError
	require.True(t, errors.As(err, &decodeErr), "expected decode error, got %v", err)
	require.Equal(t, StateFailed, summary.State)
	require.Zero(t, summary.Pages)
}

func TestContactsMissingUpstreamKeepEdges(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage, store.NewAssociation(testCustomerID, "gone", "a1", "contact_to_company"))
	reader := &stubReader{results: []pageResult{{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a2")}}}}}

	_, err := newTestReconciler(t, reader, storage, nil).RunFullSync(context.Background())
	require.NoError(t, err, "run should succeed")
	require.Equal(t, []store.Edge{edge("c1", "a2"), edge("gone", "a1")}, listEdges(t, storage))
}

func TestSyncContact(t *testing.T) {
	storage := newTestStorage(t)
	seed(t, storage,
		store.NewAssociation(testCustomerID, "c1", "a1", "contact_to_company"),
		store.NewAssociation(testCustomerID, "c2", "a2", "contact_to_company"),
	)
	reconciler := newTestReconciler(t, &stubReader{}, storage, nil)

	result, err := reconciler.SyncContact(context.Background(), contact("c1", "a3", "a4"))
	require.NoError(t, err, "sync contact should succeed")
	require.Equal(t, ReplaceResult{Deleted: 1, Inserted: 2}, result)
	require.Equal(t, []store.Edge{edge("c1", "a3"), edge("c1", "a4"), edge("c2", "a2")}, listEdges(t, storage))

	_, err = reconciler.SyncContact(context.Background(), crm.Contact{})
	require.Error(t, err, "contact without id should be rejected")

	missingCompany := contact("c2", "a5")
	missingCompany.Associations.Companies.Results = append(missingCompany.Associations.Companies.Results, crm.AssociatedObject{Type: "contact_to_company"})
	_, err = reconciler.SyncContact(context.Background(), missingCompany)
	require.Error(t, err, "company without id should be rejected")
	require.Equal(t, []store.Edge{edge("c1", "a3"), edge("c1", "a4"), edge("c2", "a2")}, listEdges(t, storage))
}

func TestAssociationFields(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	reconciler, err := NewReconciler(Config{
		CustomerID: testCustomerID,
		Reader:     &stubReader{},
		Storage:    newTestStorage(t),
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err, "failed to create reconciler")

	associations := reconciler.BuildAssociations([]crm.Contact{contact("c1", "a1")})
	require.Len(t, associations, 1)
	require.Equal(t, testCustomerID, associations[0].CustomerID)
	require.Equal(t, "c1", associations[0].ContactID)
	require.Equal(t, "a1", associations[0].AccountID)
	require.Equal(t, store.AssociationMetadata{Type: "contact_to_company"}, associations[0].Metadata)
	require.Equal(t, now, associations[0].LastModifiedAt)
}

func TestNewReconcilerValidation(t *testing.T) {
	_, err := NewReconciler(Config{Reader: &stubReader{}, Storage: newTestStorage(t)})
	require.Error(t, err, "customer id is required")
	_, err = NewReconciler(Config{CustomerID: testCustomerID, Storage: newTestStorage(t)})
	require.Error(t, err, "reader is required")
	_, err = NewReconciler(Config{CustomerID: testCustomerID, Reader: &stubReader{}})
	require.Error(t, err, "storage is required")
}

func TestMetrics(t *testing.T) {
	storage := newTestStorage(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	reader := &stubReader{results: []pageResult{
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c1", "a1", "a2")}, NextCursor: "next"}},
		{page: &crm.ContactPage{Contacts: []crm.Contact{contact("c2", "a3")}}},
	}}

	_, err := newTestReconciler(t, reader, storage, metrics).RunFullSync(context.Background())
	require.NoError(t, err, "run should succeed")
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.pages))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.contacts))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.inserted))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.runs.WithLabelValues("done")))
	require.Positive(t, testutil.ToFloat64(metrics.lastSuccess))

	failing := &stubReader{results: []pageResult{{err: errors.New("boom")}}}
	_, err = newTestReconciler(t, failing, storage, metrics).RunFullSync(context.Background())
	require.Error(t, err, "run should fail")
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.runs.WithLabelValues("failed")))
}
