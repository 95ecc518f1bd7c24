package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/darkauth/idp/storage"
)

// GarbageCollect deletes all expired pending authorizations, auth codes,
// OPAQUE login sessions and sessions.
func (c *conn) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	var result storage.GCResult

	r, err := c.Exec(`delete from pending_authorization where expires_at < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc pending_authorization: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.PendingAuthorizations = n
	}

	r, err = c.Exec(`delete from auth_code where expires_at < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc auth_code: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.AuthCodes = n
	}

	r, err = c.Exec(`delete from opaque_login_session where expires_at < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc opaque_login_session: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.OpaqueLoginSessions = n
	}

	r, err = c.Exec(`delete from session where expires_at < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc session: %w", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.Sessions = n
	}

	return result, nil
}

type withCancel struct {
	storage.Storage
	cancel context.CancelFunc
}

func (w withCancel) Close() error {
	w.cancel()
	return w.Storage.Close()
}

// withGC wraps a conn with a background goroutine that sweeps expired rows
// every 30 seconds, keeping pending authorizations, auth codes, and login
// sessions from accumulating indefinitely.
func withGC(c *conn, now func() time.Time) storage.Storage {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-time.After(time.Second * 30):
				if _, err := c.GarbageCollect(ctx, now()); err != nil {
					c.logger.Error("garbage collection failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return withCancel{c, cancel}
}
