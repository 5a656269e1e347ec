package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/breez/association-sync/store"
	"github.com/google/uuid"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite caps the number of bound parameters per statement.
const paramChunkSize = 500

type SQLiteAssociationStorage struct {
	db *sql.DB
}

func NewSQLiteAssociationStorage(file string) (*SQLiteAssociationStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteAssociationStorage{db: db}, nil
}

func (s *SQLiteAssociationStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteAssociationStorage) WithTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.AssociationTx) error) error {
	waitCtx, cancelWait := context.WithTimeout(ctx, opts.MaxWait)
	conn, err := s.db.Conn(waitCtx)
	cancelWait()
	if err != nil {
		return classifyError(fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer conn.Close()

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	tx, err := conn.BeginTx(txCtx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(txCtx, &sqliteTx{tx: tx}); err != nil {
		return classifyError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteAssociationStorage) ListAssociations(ctx context.Context, customerID string, contactIDs []string) ([]store.Association, error) {
	const query = "SELECT id, customer_id, contact_id, account_id, metadata, last_modified_at FROM contact_to_account WHERE customer_id = ?"
	associations := make([]store.Association, 0)
	if len(contactIDs) == 0 {
		if err := s.queryAssociations(ctx, &associations, query, customerID); err != nil {
			return nil, err
		}
		store.SortAssociations(associations)
		return associations, nil
	}

	for start := 0; start < len(contactIDs); start += paramChunkSize {
		chunk := contactIDs[start:min(start+paramChunkSize, len(contactIDs))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, customerID)
		for _, id := range chunk {
			args = append(args, id)
		}
		if err := s.queryAssociations(ctx, &associations, query+" AND contact_id IN ("+placeholders(len(chunk))+")", args...); err != nil {
			return nil, err
		}
	}
	store.SortAssociations(associations)
	return associations, nil
}

func (s *SQLiteAssociationStorage) queryAssociations(ctx context.Context, associations *[]store.Association, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var association store.Association
		var metadata string
		err = rows.Scan(&association.ID, &association.CustomerID, &association.ContactID, &association.AccountID, &metadata, &association.LastModifiedAt)
		if err != nil {
			return fmt.Errorf("failed to scan association: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &association.Metadata); err != nil {
			return fmt.Errorf("failed to decode association metadata: %w", err)
		}
		*associations = append(*associations, association)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate associations: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) DeleteAssociations(ctx context.Context, customerID string, contactIDs []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(contactIDs); start += paramChunkSize {
		chunk := contactIDs[start:min(start+paramChunkSize, len(contactIDs))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, customerID)
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := t.tx.ExecContext(ctx,
			"DELETE FROM contact_to_account WHERE customer_id = ? AND contact_id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete associations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count deleted associations: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (t *sqliteTx) InsertAssociations(ctx context.Context, associations []store.Association) (int64, error) {
	if len(associations) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO contact_to_account (id, customer_id, contact_id, account_id, metadata, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, a := range associations {
		id := a.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		metadata, err := json.Marshal(a.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode association metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id.String(), a.CustomerID, a.ContactID, a.AccountID, string(metadata), a.LastModifiedAt.UTC()); err != nil {
			return 0, fmt.Errorf("failed to insert association: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func classifyError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", store.ErrTxConflict, err)
	}
	return store.ClassifyTimeout(err)
}
