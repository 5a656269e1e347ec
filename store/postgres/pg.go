package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/breez/association-sync/store"
	"github.com/google/uuid"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var associationColumns = []string{"id", "customer_id", "contact_id", "account_id", "metadata", "last_modified_at"}

type PgAssociationStorage struct {
	db *pgxpool.Pool
}

func NewPGAssociationStorage(databaseURL string) (*PgAssociationStorage, error) {

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"association-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgAssociationStorage{db: pgxPool}, nil
}

func (s *PgAssociationStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgAssociationStorage) WithTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.AssociationTx) error) error {
	waitCtx, cancelWait := context.WithTimeout(ctx, opts.MaxWait)
	conn, err := s.db.Acquire(waitCtx)
	cancelWait()
	if err != nil {
		return classifyError(fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer conn.Release()

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	tx, err := conn.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(context.Background())

	if err := fn(txCtx, &pgTx{tx: tx}); err != nil {
		return classifyError(err)
	}
	if err := tx.Commit(txCtx); err != nil {
		return classifyError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *PgAssociationStorage) ListAssociations(ctx context.Context, customerID string, contactIDs []string) ([]store.Association, error) {
	query := "SELECT id, customer_id, contact_id, account_id, metadata, last_modified_at FROM contact_to_account WHERE customer_id = $1"
	args := []any{customerID}
	if len(contactIDs) > 0 {
		query += " AND contact_id = ANY($2)"
		args = append(args, contactIDs)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	associations := make([]store.Association, 0)
	for rows.Next() {
		var association store.Association
		var metadata []byte
		err = rows.Scan(&association.ID, &association.CustomerID, &association.ContactID, &association.AccountID, &metadata, &association.LastModifiedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		if err := json.Unmarshal(metadata, &association.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode association metadata: %w", err)
		}
		associations = append(associations, association)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate associations: %w", err)
	}
	store.SortAssociations(associations)
	return associations, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) DeleteAssociations(ctx context.Context, customerID string, contactIDs []string) (int64, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM contact_to_account WHERE customer_id = $1 AND contact_id = ANY($2)", customerID, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete associations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertAssociations(ctx context.Context, associations []store.Association) (int64, error) {
	if len(associations) == 0 {
		return 0, nil
	}
	inserted, err := t.tx.CopyFrom(ctx, pgx.Identifier{store.AssociationsTable}, associationColumns,
		pgx.CopyFromSlice(len(associations), func(i int) ([]any, error) {
			a := associations[i]
			id := a.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			metadata, err := json.Marshal(a.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode association metadata: %w", err)
			}
			return []any{id, a.CustomerID, a.ContactID, a.AccountID, metadata, a.LastModifiedAt.UTC()}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("failed to insert associations: %w", err)
	}
	return inserted, nil
}

func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %w", store.ErrTxConflict, err)
		case pgerrcode.QueryCanceled:
			return fmt.Errorf("%w: %w", store.ErrTxTimeout, err)
		}
	}
	return store.ClassifyTimeout(err)
}
