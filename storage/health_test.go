package storage_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/storage"
	"github.com/darkauth/idp/storage/memory"
)

type failingStorage struct {
	storage.Storage
	createErr error
	consumeErr error
}

func (f *failingStorage) CreatePendingAuthorization(ctx context.Context, p storage.PendingAuthorization) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Storage.CreatePendingAuthorization(ctx, p)
}

func (f *failingStorage) ConsumePendingAuthorization(ctx context.Context, requestID string, now time.Time) (storage.PendingAuthorization, error) {
	if f.consumeErr != nil {
		return storage.PendingAuthorization{}, f.consumeErr
	}
	return f.Storage.ConsumePendingAuthorization(ctx, requestID, now)
}

func TestNewCustomHealthCheckFunc(t *testing.T) {
	ctx := context.Background()
	fixedTime := time.Now()
	now := func() time.Time { return fixedTime }

	tests := []struct {
		name       string
		createErr  error
		consumeErr error
		wantErr    bool
	}{
		{name: "success"},
		{name: "create fails", createErr: errors.New("create failed"), wantErr: true},
		{name: "consume fails", consumeErr: errors.New("consume failed"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			base := memory.New(slog.Default())
			fs := &failingStorage{Storage: base, createErr: tc.createErr, consumeErr: tc.consumeErr}

			healthCheck := storage.NewCustomHealthCheckFunc(fs, now)
			details, err := healthCheck(ctx)

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Nil(t, details)
		})
	}
}
