// Package syncer mirrors CRM contact to company associations into the local
// store. A run walks every page of the contacts listing and replaces the
// stored associations of each page's contacts in one transaction per page.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/store"
	"github.com/google/uuid"
)

type State int

const (
	StateStart State = iota
	StateFetchingPage
	StateApplyingPage
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetchingPage:
		return "fetching"
	case StateApplyingPage:
		return "applying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type ContactReader interface {
	FetchPage(ctx context.Context, cursor crm.Cursor) (*crm.ContactPage, error)
}

type Config struct {
	CustomerID string
	Reader     ContactReader
	Storage    store.AssociationStorage
	TxOptions  store.TxOptions
	Metrics    *Metrics         // optional
	Logger     *slog.Logger     // optional, defaults to slog.Default()
	Now        func() time.Time // optional, defaults to time.Now
}

// Summary describes a finished run, successful or not.
type Summary struct {
	RunID    uuid.UUID
	State    State
	Elapsed  time.Duration
	Pages    int
	Contacts int
	Deleted  int64
	Inserted int64
}

func (s Summary) String() string {
	return fmt.Sprintf("Successfully copied associations in %dms", s.Elapsed.Milliseconds())
}

type Reconciler struct {
	customerID string
	reader     ContactReader
	storage    store.AssociationStorage
	txOptions  store.TxOptions
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(config Config) (*Reconciler, error) {
	if config.CustomerID == "" {
		return nil, errors.New("customer id is required")
	}
	if config.Reader == nil {
		return nil, errors.New("contact reader is required")
	}
	if config.Storage == nil {
		return nil, errors.New("association storage is required")
	}
	if config.TxOptions == (store.TxOptions{}) {
		config.TxOptions = store.DefaultTxOptions
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Reconciler{
		customerID: config.CustomerID,
		reader:     config.Reader,
		storage:    config.Storage,
		txOptions:  config.TxOptions,
		metrics:    config.Metrics,
		logger:     config.Logger,
		now:        config.Now,
	}, nil
}

// RunFullSync walks all pages starting from the first one. Page N+1 is only
// fetched after page N has been committed. The first failure aborts the run
// and is returned as a *RunError; pages committed before it stay committed.
func (r *Reconciler) RunFullSync(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.New(), State: StateStart}
	logger := r.logger.With(slog.String("run_id", summary.RunID.String()), slog.String("customer_id", r.customerID))
	start := r.now()
	logger.InfoContext(ctx, "starting association sync")

	fail := func(cursor crm.Cursor, during State, err error) (Summary, error) {
		summary.State = StateFailed
		summary.Elapsed = r.now().Sub(start)
		runErr := &RunError{Page: summary.Pages + 1, Cursor: cursor, During: during, Err: err}
		logger.ErrorContext(ctx, "association sync failed",
			slog.Int("page", runErr.Page),
			slog.String("cursor", string(cursor)),
			slog.String("error", err.Error()),
			slog.Duration("duration", summary.Elapsed))
		r.metrics.observeRun(summary)
		return summary, runErr
	}

	cursor := crm.NoCursor
	for {
		summary.State = StateFetchingPage
		page, err := r.reader.FetchPage(ctx, cursor)
		if err != nil {
			return fail(cursor, StateFetchingPage, err)
		}
		if !page.NextCursor.IsZero() && page.NextCursor == cursor {
			return fail(cursor, StateFetchingPage, ErrRepeatedCursor)
		}

		summary.State = StateApplyingPage
		result, err := r.ReplaceContacts(ctx, page.Contacts)
		if err != nil {
			return fail(cursor, StateApplyingPage, err)
		}

		summary.Pages++
		summary.Contacts += len(page.Contacts)
		summary.Deleted += result.Deleted
		summary.Inserted += result.Inserted
		r.metrics.observePage(len(page.Contacts), result)
		logger.InfoContext(ctx, "applied page",
			slog.Int("page", summary.Pages),
			slog.String("cursor", string(cursor)),
			slog.Int("contacts", len(page.Contacts)),
			slog.Int64("deleted", result.Deleted),
			slog.Int64("inserted", result.Inserted),
			slog.String("next_cursor", string(page.NextCursor)))

		if page.NextCursor.IsZero() {
			break
		}
		cursor = page.NextCursor
	}

	summary.State = StateDone
	summary.Elapsed = r.now().Sub(start)
	r.metrics.observeRun(summary)
	logger.InfoContext(ctx, summary.String(),
		slog.Int("pages", summary.Pages),
		slog.Int("contacts", summary.Contacts),
		slog.Int64("inserted", summary.Inserted),
		slog.Duration("duration", summary.Elapsed))
	return summary, nil
}
