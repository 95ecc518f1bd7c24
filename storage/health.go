package storage

import (
	"context"
	"fmt"
	"time"
)

// NewCustomHealthCheckFunc returns a health check function that exercises a
// full create/consume round trip against the backing store, so a store that
// accepts writes but can't read them back is reported unhealthy.
func NewCustomHealthCheckFunc(s Storage, now func() time.Time) func(context.Context) (details interface{}, err error) {
	return func(ctx context.Context) (details interface{}, err error) {
		p := PendingAuthorization{
			RequestID: NewID(32),
			ClientID:  "health-check",
			ExpiresAt: now().Add(time.Minute),
		}

		if err := s.CreatePendingAuthorization(ctx, p); err != nil {
			return nil, fmt.Errorf("create pending authorization: %w", err)
		}

		if _, err := s.ConsumePendingAuthorization(ctx, p.RequestID, now()); err != nil {
			return nil, fmt.Errorf("consume pending authorization: %w", err)
		}

		return nil, nil
	}
}
