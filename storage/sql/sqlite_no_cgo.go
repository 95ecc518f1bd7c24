//go:build !cgo
// +build !cgo

// Stub for CGO_ENABLED=0 builds; go-sqlite3 requires cgo.

package sql

import (
	"fmt"
	"log/slog"

	"github.com/darkauth/idp/storage"
)

type SQLite3 struct {
	File string `json:"file"`
}

func (s *SQLite3) Open(logger *slog.Logger) (storage.Storage, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0, go-sqlite3 requires cgo")
}
