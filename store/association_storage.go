package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const AssociationsTable = "contact_to_account"

var (
	ErrTxConflict = errors.New("transaction conflict")
	ErrTxTimeout  = errors.New("transaction timeout")
)

// AssociationMetadata is persisted as JSON next to each edge.
type AssociationMetadata struct {
	Type string `json:"type"`
}

// Association is a single contact to account edge mirrored from the CRM.
type Association struct {
	ID             uuid.UUID
	CustomerID     string
	ContactID      string
	AccountID      string
	Metadata       AssociationMetadata
	LastModifiedAt time.Time
}

type TxOptions struct {
	// MaxWait bounds how long we wait for a connection before the
	// transaction starts.
	MaxWait time.Duration
	// Timeout bounds the whole transaction including commit.
	Timeout time.Duration
}

var DefaultTxOptions = TxOptions{
	MaxWait: 5 * time.Second,
	Timeout: 10 * time.Second,
}

type AssociationTx interface {
	DeleteAssociations(ctx context.Context, customerID string, contactIDs []string) (int64, error)
	InsertAssociations(ctx context.Context, associations []Association) (int64, error)
}

type AssociationStorage interface {
	// WithTx runs fn inside a single transaction. The transaction commits
	// only when fn returns nil.
	WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx AssociationTx) error) error
	// ListAssociations returns the customer's edges, restricted to
	// contactIDs when it is not empty.
	ListAssociations(ctx context.Context, customerID string, contactIDs []string) ([]Association, error)
	Close() error
}

// ClassifyTimeout marks context deadline failures with ErrTxTimeout.
func ClassifyTimeout(err error) error {
	if err == nil || errors.Is(err, ErrTxTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTxTimeout, err)
	}
	return err
}

// SortAssociations orders edges by contact, account and type so listings are
// stable across backends.
func SortAssociations(associations []Association) {
	sort.Slice(associations, func(i, j int) bool {
		a, b := associations[i], associations[j]
		if a.ContactID != b.ContactID {
			return a.ContactID < b.ContactID
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.Metadata.Type < b.Metadata.Type
	})
}
