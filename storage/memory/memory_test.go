package memory

import (
	"log/slog"
	"testing"

	"github.com/darkauth/idp/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.RunTestSuite(t, New(slog.Default()))
}
