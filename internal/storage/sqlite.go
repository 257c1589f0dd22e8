// Package storage opens the SQLite database shared by the event store and the
// identity whitelist.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// MemoryDSN opens a private in-memory database. Used by tests.
const MemoryDSN = ":memory:"

// Open opens (creating if needed) the SQLite database at path and applies the
// connection pragmas every store relies on.
//
// The pool is limited to a single connection: SQLite serializes writers
// anyway and an in-memory database only exists on the connection that made it.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != MemoryDSN && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "create database directory").
				WithContext("path", path).Build()
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "open sqlite database").
			WithContext("path", path).Build()
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "ping sqlite database").
			WithContext("path", path).Build()
	}
	return db, nil
}

// Migrate runs schema statements in order inside a single transaction.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "begin migration").Build()
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return ferrors.WrapError(err, ferrors.CategoryStorage, "initialize schema").Build()
		}
	}
	if err := tx.Commit(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "commit migration").Build()
	}
	return nil
}
