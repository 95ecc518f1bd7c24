//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/darkauth/idp/storage"
)

// SQLite3 options for creating an SQL db. Used by the install flow (§4.9)
// before a PostgreSQL URI is known, and as a standalone single-instance
// backend.
type SQLite3 struct {
	File string `json:"file"`
}

// Open creates a new storage implementation backed by SQLite3.
func (s *SQLite3) Open(logger *slog.Logger) (storage.Storage, error) {
	c, err := s.open(logger)
	if err != nil {
		return nil, err
	}
	return withGC(c, time.Now), nil
}

func (s *SQLite3) open(logger *slog.Logger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Only one connection at a time; concurrent writers block rather than
	// hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		if !ok {
			return false
		}
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	c := &conn{db, &flavorSQLite3, logger, errCheck}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}
