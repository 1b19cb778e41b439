package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// sqlStore is the driver-independent part of SQLiteStore and PostgresStore.
type sqlStore struct {
	*sqlRepo
	db *sqlx.DB
}

func newSQLStore(db *sqlx.DB, name string) sqlStore {
	return sqlStore{sqlRepo: &sqlRepo{ext: db, name: name}, db: db}
}

// InTx runs fn against a transaction-scoped Repo.
func (s *sqlStore) InTx(ctx context.Context, fn func(tx Repo) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error(s.name+" InTx begin failed", "error", err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlRepo{ext: tx, name: s.name}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+" InTx rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+" InTx commit failed", "error", err)
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
	}
	return err
}
