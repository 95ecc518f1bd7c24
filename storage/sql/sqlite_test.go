//go:build cgo
// +build cgo

package sql

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/darkauth/idp/storage/storagetest"
)

func TestSQLite3Storage(t *testing.T) {
	s := &SQLite3{File: filepath.Join(t.TempDir(), "darkauth.db")}
	store, err := s.Open(slog.Default())
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	defer store.Close()

	storagetest.RunTestSuite(t, store)
}
