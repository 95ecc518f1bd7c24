package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darkauth/idp/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package. Used for every
// slice/map-valued column (redirect_uris, permissions, role_keys, ...).
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be
// passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct {
	i interface{}
}

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

type jsonDecoder struct {
	i interface{}
}

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, j.i); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// querier abstracts conn vs trans for helpers that run either directly or
// inside a transaction.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

var _ storage.Storage = (*conn)(nil)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// --- Users ---

func (c *conn) CreateUser(ctx context.Context, u storage.User) error {
	_, err := c.Exec(`
		insert into darkauth_user (subject, email, name, created_at, password_reset_required)
		values ($1, $2, $3, $4, $5);
	`, u.Subject, u.Email, u.Name, u.CreatedAt, u.PasswordResetRequired)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func scanUser(s scannerLike) (storage.User, error) {
	var u storage.User
	err := s.Scan(&u.Subject, &u.Email, &u.Name, &u.CreatedAt, &u.PasswordResetRequired)
	return u, err
}

type scannerLike interface {
	Scan(dest ...interface{}) error
}

func (c *conn) GetUser(ctx context.Context, subject string) (storage.User, error) {
	u, err := scanUser(c.QueryRow(`
		select subject, email, name, created_at, password_reset_required
		from darkauth_user where subject = $1;
	`, subject))
	if isNoRows(err) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	u, err := scanUser(c.QueryRow(`
		select subject, email, name, created_at, password_reset_required
		from darkauth_user where lower(email) = lower($1);
	`, email))
	if isNoRows(err) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func (c *conn) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := c.Query(`select subject, email, name, created_at, password_reset_required from darkauth_user;`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (c *conn) UpdateUser(ctx context.Context, subject string, updater func(storage.User) (storage.User, error)) error {
	return c.ExecTx(func(tx *trans) error {
		u, err := scanUser(tx.QueryRow(`
			select subject, email, name, created_at, password_reset_required
			from darkauth_user where subject = $1;
		`, subject))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}

		nu, err := updater(u)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			update darkauth_user set email = $1, name = $2, password_reset_required = $3
			where subject = $4;
		`, nu.Email, nu.Name, nu.PasswordResetRequired, subject)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteUser(ctx context.Context, subject string) error {
	r, err := c.Exec(`delete from darkauth_user where subject = $1;`, subject)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return checkRowsAffected(r)
}

// --- Admins ---

func (c *conn) CreateAdmin(ctx context.Context, a storage.Admin) error {
	_, err := c.Exec(`
		insert into admin (subject, email, name, role, created_at)
		values ($1, $2, $3, $4, $5);
	`, a.Subject, a.Email, a.Name, a.Role, a.CreatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

func scanAdmin(s scannerLike) (storage.Admin, error) {
	var a storage.Admin
	err := s.Scan(&a.Subject, &a.Email, &a.Name, &a.Role, &a.CreatedAt)
	return a, err
}

func (c *conn) GetAdmin(ctx context.Context, subject string) (storage.Admin, error) {
	a, err := scanAdmin(c.QueryRow(`select subject, email, name, role, created_at from admin where subject = $1;`, subject))
	if isNoRows(err) {
		return storage.Admin{}, storage.ErrNotFound
	}
	return a, err
}

func (c *conn) GetAdminByEmail(ctx context.Context, email string) (storage.Admin, error) {
	a, err := scanAdmin(c.QueryRow(`select subject, email, name, role, created_at from admin where lower(email) = lower($1);`, email))
	if isNoRows(err) {
		return storage.Admin{}, storage.ErrNotFound
	}
	return a, err
}

func (c *conn) ListAdmins(ctx context.Context) ([]storage.Admin, error) {
	rows, err := c.Query(`select subject, email, name, role, created_at from admin;`)
	if err != nil {
		return nil, fmt.Errorf("query admins: %w", err)
	}
	defer rows.Close()

	var admins []storage.Admin
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

func (c *conn) UpdateAdmin(ctx context.Context, subject string, updater func(storage.Admin) (storage.Admin, error)) error {
	return c.ExecTx(func(tx *trans) error {
		a, err := scanAdmin(tx.QueryRow(`select subject, email, name, role, created_at from admin where subject = $1;`, subject))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get admin: %w", err)
		}

		na, err := updater(a)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`update admin set email = $1, name = $2, role = $3 where subject = $4;`,
			na.Email, na.Name, na.Role, subject)
		if err != nil {
			return fmt.Errorf("update admin: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteAdmin(ctx context.Context, subject string) error {
	r, err := c.Exec(`delete from admin where subject = $1;`, subject)
	if err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}
	return checkRowsAffected(r)
}

// --- OPAQUE records ---

func (c *conn) CreateOpaqueRecord(ctx context.Context, rec storage.OpaqueRecord) error {
	_, err := c.Exec(`
		insert into opaque_record (owner, subject, record, created_at, retired)
		values ($1, $2, $3, $4, $5);
	`, rec.Owner, rec.Subject, rec.Record, rec.CreatedAt, rec.Retired)
	if err != nil {
		return fmt.Errorf("insert opaque record: %w", err)
	}
	return nil
}

func scanOpaqueRecord(s scannerLike) (storage.OpaqueRecord, error) {
	var r storage.OpaqueRecord
	err := s.Scan(&r.Owner, &r.Subject, &r.Record, &r.CreatedAt, &r.Retired)
	return r, err
}

func (c *conn) GetOpaqueRecord(ctx context.Context, owner storage.OpaqueRecordOwner, subject string) (storage.OpaqueRecord, error) {
	r, err := scanOpaqueRecord(c.QueryRow(`
		select owner, subject, record, created_at, retired
		from opaque_record where owner = $1 and subject = $2 and retired = false
		order by created_at desc limit 1;
	`, owner, subject))
	if isNoRows(err) {
		return storage.OpaqueRecord{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) RetireOpaqueRecord(ctx context.Context, owner storage.OpaqueRecordOwner, subject string, replacement storage.OpaqueRecord) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`update opaque_record set retired = true where owner = $1 and subject = $2 and retired = false;`, owner, subject)
		if err != nil {
			return fmt.Errorf("retire opaque record: %w", err)
		}
		if err := checkRowsAffected(r); err != nil {
			return err
		}

		_, err = tx.Exec(`
			insert into opaque_record (owner, subject, record, created_at, retired)
			values ($1, $2, $3, $4, false);
		`, replacement.Owner, replacement.Subject, replacement.Record, replacement.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert replacement opaque record: %w", err)
		}
		return nil
	})
}

func (c *conn) ListRetiredOpaqueRecords(ctx context.Context, owner storage.OpaqueRecordOwner, subject string) ([]storage.OpaqueRecord, error) {
	rows, err := c.Query(`
		select owner, subject, record, created_at, retired
		from opaque_record where owner = $1 and subject = $2 and retired = true
		order by created_at desc;
	`, owner, subject)
	if err != nil {
		return nil, fmt.Errorf("query retired opaque records: %w", err)
	}
	defer rows.Close()

	var records []storage.OpaqueRecord
	for rows.Next() {
		r, err := scanOpaqueRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opaque record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- OPAQUE login sessions ---

func (c *conn) CreateOpaqueLoginSession(ctx context.Context, s storage.OpaqueLoginSession) error {
	_, err := c.Exec(`
		insert into opaque_login_session (id, server_state, encrypted_identity_u, encrypted_identity_s, owner, expires_at)
		values ($1, $2, $3, $4, $5, $6);
	`, s.ID, s.ServerState, s.EncryptedIdentityU, s.EncryptedIdentityS, s.Owner, s.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert opaque login session: %w", err)
	}
	return nil
}

func (c *conn) ConsumeOpaqueLoginSession(ctx context.Context, id string, now time.Time) (storage.OpaqueLoginSession, error) {
	var s storage.OpaqueLoginSession
	err := c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`
			select id, server_state, encrypted_identity_u, encrypted_identity_s, owner, expires_at
			from opaque_login_session where id = $1;
		`, id)
		if err := row.Scan(&s.ID, &s.ServerState, &s.EncryptedIdentityU, &s.EncryptedIdentityS, &s.Owner, &s.ExpiresAt); err != nil {
			if isNoRows(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("get opaque login session: %w", err)
		}

		r, err := tx.Exec(`delete from opaque_login_session where id = $1;`, id)
		if err != nil {
			return fmt.Errorf("delete opaque login session: %w", err)
		}
		if err := checkRowsAffected(r); err != nil {
			return storage.ErrNotFound
		}

		if now.After(s.ExpiresAt) {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return storage.OpaqueLoginSession{}, err
	}
	return s, nil
}

func (c *conn) GCOpaqueLoginSessions(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from opaque_login_session where expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("gc opaque login sessions: %w", err)
	}
	return r.RowsAffected()
}

// --- Pending authorizations ---

func (c *conn) CreatePendingAuthorization(ctx context.Context, p storage.PendingAuthorization) error {
	_, err := c.Exec(`
		insert into pending_authorization
			(request_id, client_id, redirect_uri, state, scope, nonce, code_challenge, code_challenge_method,
			 zk_pub_kid, zk_pub, user_sub, otp_verified, origin, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`, p.RequestID, p.ClientID, p.RedirectURI, p.State, p.Scope, p.Nonce, p.CodeChallenge, p.CodeChallengeMethod,
		p.ZKPubKID, p.ZKPub, p.UserSub, p.OTPVerified, p.Origin, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert pending authorization: %w", err)
	}
	return nil
}

func scanPendingAuthorization(s scannerLike) (storage.PendingAuthorization, error) {
	var p storage.PendingAuthorization
	err := s.Scan(&p.RequestID, &p.ClientID, &p.RedirectURI, &p.State, &p.Scope, &p.Nonce, &p.CodeChallenge,
		&p.CodeChallengeMethod, &p.ZKPubKID, &p.ZKPub, &p.UserSub, &p.OTPVerified, &p.Origin, &p.CreatedAt, &p.ExpiresAt)
	return p, err
}

const pendingAuthorizationColumns = `request_id, client_id, redirect_uri, state, scope, nonce, code_challenge, code_challenge_method,
	zk_pub_kid, zk_pub, user_sub, otp_verified, origin, created_at, expires_at`

func (c *conn) GetPendingAuthorization(ctx context.Context, requestID string) (storage.PendingAuthorization, error) {
	p, err := scanPendingAuthorization(c.QueryRow(`select `+pendingAuthorizationColumns+` from pending_authorization where request_id = $1;`, requestID))
	if isNoRows(err) {
		return storage.PendingAuthorization{}, storage.ErrNotFound
	}
	return p, err
}

func (c *conn) BindUserToPendingAuthorization(ctx context.Context, requestID, userSub string, otpVerified bool) error {
	r, err := c.Exec(`update pending_authorization set user_sub = $1, otp_verified = $2 where request_id = $3;`, userSub, otpVerified, requestID)
	if err != nil {
		return fmt.Errorf("bind pending authorization: %w", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) ConsumePendingAuthorization(ctx context.Context, requestID string, now time.Time) (storage.PendingAuthorization, error) {
	var p storage.PendingAuthorization
	err := c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`select `+pendingAuthorizationColumns+` from pending_authorization where request_id = $1;`, requestID)
		var err error
		p, err = scanPendingAuthorization(row)
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get pending authorization: %w", err)
		}

		r, err := tx.Exec(`delete from pending_authorization where request_id = $1;`, requestID)
		if err != nil {
			return fmt.Errorf("delete pending authorization: %w", err)
		}
		if err := checkRowsAffected(r); err != nil {
			return storage.ErrNotFound
		}

		if now.After(p.ExpiresAt) {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return storage.PendingAuthorization{}, err
	}
	return p, nil
}

// --- Authorization codes ---

const authCodeColumns = `code, client_id, subject, redirect_uri, code_challenge, code_challenge_method, nonce, scope,
	organization_id, has_zk, zk_pub_kid, drk_hash, otp_verified, consumed, created_at, expires_at`

func scanAuthCode(s scannerLike) (storage.AuthCode, error) {
	var a storage.AuthCode
	err := s.Scan(&a.Code, &a.ClientID, &a.Subject, &a.RedirectURI, &a.CodeChallenge, &a.CodeChallengeMethod, &a.Nonce,
		&a.Scope, &a.OrganizationID, &a.HasZK, &a.ZKPubKID, &a.DRKHash, &a.OTPVerified, &a.Consumed, &a.CreatedAt, &a.ExpiresAt)
	return a, err
}

func (c *conn) CreateAuthCode(ctx context.Context, a storage.AuthCode) error {
	_, err := c.Exec(`
		insert into auth_code (`+authCodeColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`, a.Code, a.ClientID, a.Subject, a.RedirectURI, a.CodeChallenge, a.CodeChallengeMethod, a.Nonce, a.Scope,
		a.OrganizationID, a.HasZK, a.ZKPubKID, a.DRKHash, a.OTPVerified, a.Consumed, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert auth code: %w", err)
	}
	return nil
}

func (c *conn) GetAuthCode(ctx context.Context, code string) (storage.AuthCode, error) {
	a, err := scanAuthCode(c.QueryRow(`select `+authCodeColumns+` from auth_code where code = $1;`, code))
	if isNoRows(err) {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return a, err
}

// ConsumeAuthCode atomically flips consumed=false -> true via a conditional
// UPDATE ... WHERE consumed = false, so a second concurrent redemption of
// the same code observes zero rows affected and returns ErrAlreadyConsumed.
func (c *conn) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (storage.AuthCode, error) {
	var a storage.AuthCode
	err := c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`select `+authCodeColumns+` from auth_code where code = $1;`, code)
		var err error
		a, err = scanAuthCode(row)
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get auth code: %w", err)
		}

		if now.After(a.ExpiresAt) {
			return storage.ErrNotFound
		}

		r, err := tx.Exec(`update auth_code set consumed = true where code = $1 and consumed = false;`, code)
		if err != nil {
			return fmt.Errorf("consume auth code: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrAlreadyConsumed
		}
		a.Consumed = true
		return nil
	})
	if err != nil {
		return storage.AuthCode{}, err
	}
	return a, nil
}

func (c *conn) DeleteAuthCode(ctx context.Context, code string) error {
	r, err := c.Exec(`delete from auth_code where code = $1;`, code)
	if err != nil {
		return fmt.Errorf("delete auth code: %w", err)
	}
	return checkRowsAffected(r)
}

// --- Sessions ---

const sessionColumns = `id, cohort, subject, email, name, organization_id, organization_slug, client_id,
	otp_verified, data, refresh_token, created_at, expires_at`

func scanSession(s scannerLike) (storage.Session, error) {
	var sess storage.Session
	err := s.Scan(&sess.ID, &sess.Cohort, &sess.Subject, &sess.Email, &sess.Name, &sess.OrganizationID,
		&sess.OrganizationSlug, &sess.ClientID, &sess.OTPVerified, &sess.Data, &sess.RefreshToken,
		&sess.CreatedAt, &sess.ExpiresAt)
	return sess, err
}

func (c *conn) CreateSession(ctx context.Context, s storage.Session) error {
	_, err := c.Exec(`
		insert into session (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`, s.ID, s.Cohort, s.Subject, s.Email, s.Name, s.OrganizationID, s.OrganizationSlug, s.ClientID,
		s.OTPVerified, s.Data, s.RefreshToken, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id string) (storage.Session, error) {
	s, err := scanSession(c.QueryRow(`select `+sessionColumns+` from session where id = $1;`, id))
	if isNoRows(err) {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, err
}

func (c *conn) GetSessionByRefreshToken(ctx context.Context, token string) (storage.Session, error) {
	s, err := scanSession(c.QueryRow(`select `+sessionColumns+` from session where refresh_token = $1;`, token))
	if isNoRows(err) {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, err
}

// RotateSessionRefreshToken verifies the presented token is still current
// and unexpired, then atomically writes the replacement inside the same
// transaction as the lookup, preventing two concurrent refreshes from both
// succeeding off the same token.
func (c *conn) RotateSessionRefreshToken(ctx context.Context, token, newToken string, newExpiry time.Time, now time.Time) (storage.Session, error) {
	var s storage.Session
	err := c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`select `+sessionColumns+` from session where refresh_token = $1;`, token)
		var err error
		s, err = scanSession(row)
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if now.After(s.ExpiresAt) {
			return storage.ErrNotFound
		}

		r, err := tx.Exec(`update session set refresh_token = $1, expires_at = $2 where id = $3 and refresh_token = $4;`,
			newToken, newExpiry, s.ID, token)
		if err != nil {
			return fmt.Errorf("rotate refresh token: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		s.RefreshToken = newToken
		s.ExpiresAt = newExpiry
		return nil
	})
	if err != nil {
		return storage.Session{}, err
	}
	return s, nil
}

func (c *conn) UpdateSession(ctx context.Context, id string, updater func(storage.Session) (storage.Session, error)) error {
	return c.ExecTx(func(tx *trans) error {
		s, err := scanSession(tx.QueryRow(`select `+sessionColumns+` from session where id = $1;`, id))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		ns, err := updater(s)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			update session set email = $1, name = $2, organization_id = $3, organization_slug = $4,
				otp_verified = $5, data = $6, refresh_token = $7, expires_at = $8
			where id = $9;
		`, ns.Email, ns.Name, ns.OrganizationID, ns.OrganizationSlug, ns.OTPVerified, ns.Data,
			ns.RefreshToken, ns.ExpiresAt, id)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteSession(ctx context.Context, id string) error {
	r, err := c.Exec(`delete from session where id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkRowsAffected(r)
}

// --- Clients ---

const clientSelectColumns = `id, name, type, token_endpoint_auth_method, encrypted_secret, require_pkce,
	redirect_uris, post_logout_redirect_uris, grant_types, response_types, scopes, zk_delivery, zk_required,
	allowed_zk_origins, id_token_lifetime_seconds, created_at`

func scanClient(s scannerLike) (storage.Client, error) {
	var cl storage.Client
	err := s.Scan(&cl.ID, &cl.Name, &cl.Type, &cl.TokenEndpointAuthMethod, &cl.EncryptedSecret, &cl.RequirePKCE,
		decoder(&cl.RedirectURIs), decoder(&cl.PostLogoutRedirectURIs), decoder(&cl.GrantTypes),
		decoder(&cl.ResponseTypes), decoder(&cl.Scopes), &cl.ZKDelivery, &cl.ZKRequired,
		decoder(&cl.AllowedZKOrigins), &cl.IDTokenLifetimeSeconds, &cl.CreatedAt)
	return cl, err
}

func (c *conn) CreateClient(ctx context.Context, cl storage.Client) error {
	_, err := c.Exec(`
		insert into client (`+clientSelectColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`, cl.ID, cl.Name, cl.Type, cl.TokenEndpointAuthMethod, cl.EncryptedSecret, cl.RequirePKCE,
		encoder(cl.RedirectURIs), encoder(cl.PostLogoutRedirectURIs), encoder(cl.GrantTypes),
		encoder(cl.ResponseTypes), encoder(cl.Scopes), cl.ZKDelivery, cl.ZKRequired,
		encoder(cl.AllowedZKOrigins), cl.IDTokenLifetimeSeconds, cl.CreatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (c *conn) GetClient(ctx context.Context, id string) (storage.Client, error) {
	cl, err := scanClient(c.QueryRow(`select `+clientSelectColumns+` from client where id = $1;`, id))
	if isNoRows(err) {
		return storage.Client{}, storage.ErrNotFound
	}
	return cl, err
}

func (c *conn) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := c.Query(`select ` + clientSelectColumns + ` from client;`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []storage.Client
	for rows.Next() {
		cl, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, cl)
	}
	return clients, rows.Err()
}

func (c *conn) UpdateClient(ctx context.Context, id string, updater func(storage.Client) (storage.Client, error)) error {
	return c.ExecTx(func(tx *trans) error {
		cl, err := scanClient(tx.QueryRow(`select `+clientSelectColumns+` from client where id = $1;`, id))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get client: %w", err)
		}

		ncl, err := updater(cl)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			update client set name = $1, type = $2, token_endpoint_auth_method = $3, encrypted_secret = $4,
				require_pkce = $5, redirect_uris = $6, post_logout_redirect_uris = $7, grant_types = $8,
				response_types = $9, scopes = $10, zk_delivery = $11, zk_required = $12, allowed_zk_origins = $13,
				id_token_lifetime_seconds = $14
			where id = $15;
		`, ncl.Name, ncl.Type, ncl.TokenEndpointAuthMethod, ncl.EncryptedSecret, ncl.RequirePKCE,
			encoder(ncl.RedirectURIs), encoder(ncl.PostLogoutRedirectURIs), encoder(ncl.GrantTypes),
			encoder(ncl.ResponseTypes), encoder(ncl.Scopes), ncl.ZKDelivery, ncl.ZKRequired,
			encoder(ncl.AllowedZKOrigins), ncl.IDTokenLifetimeSeconds, id)
		if err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteClient(ctx context.Context, id string) error {
	r, err := c.Exec(`delete from client where id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return checkRowsAffected(r)
}

// --- RBAC: permissions ---

func (c *conn) CreatePermission(ctx context.Context, p storage.Permission) error {
	_, err := c.Exec(`insert into permission (key, description) values ($1, $2);`, p.Key, p.Description)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert permission: %w", err)
	}
	return nil
}

func (c *conn) ListPermissions(ctx context.Context) ([]storage.Permission, error) {
	rows, err := c.Query(`select key, description from permission;`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var perms []storage.Permission
	for rows.Next() {
		var p storage.Permission
		if err := rows.Scan(&p.Key, &p.Description); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// --- RBAC: roles ---

func scanRole(s scannerLike) (storage.Role, error) {
	var r storage.Role
	err := s.Scan(&r.Key, &r.Description, &r.System, decoder(&r.Permissions))
	return r, err
}

func (c *conn) CreateRole(ctx context.Context, r storage.Role) error {
	_, err := c.Exec(`insert into role (key, description, system, permissions) values ($1, $2, $3, $4);`,
		r.Key, r.Description, r.System, encoder(r.Permissions))
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (c *conn) GetRole(ctx context.Context, key string) (storage.Role, error) {
	r, err := scanRole(c.QueryRow(`select key, description, system, permissions from role where key = $1;`, key))
	if isNoRows(err) {
		return storage.Role{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) ListRoles(ctx context.Context) ([]storage.Role, error) {
	rows, err := c.Query(`select key, description, system, permissions from role;`)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []storage.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (c *conn) UpdateRole(ctx context.Context, key string, updater func(storage.Role) (storage.Role, error)) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := scanRole(tx.QueryRow(`select key, description, system, permissions from role where key = $1;`, key))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get role: %w", err)
		}

		nr, err := updater(r)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`update role set description = $1, permissions = $2 where key = $3;`,
			nr.Description, encoder(nr.Permissions), key)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteRole(ctx context.Context, key string) error {
	r, err := c.Exec(`delete from role where key = $1;`, key)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return checkRowsAffected(r)
}

// --- RBAC: groups ---

func scanGroup(s scannerLike) (storage.Group, error) {
	var g storage.Group
	err := s.Scan(&g.Key, &g.Description, decoder(&g.Permissions))
	return g, err
}

func (c *conn) CreateGroup(ctx context.Context, g storage.Group) error {
	_, err := c.Exec(`insert into darkauth_group (key, description, permissions) values ($1, $2, $3);`,
		g.Key, g.Description, encoder(g.Permissions))
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (c *conn) GetGroup(ctx context.Context, key string) (storage.Group, error) {
	g, err := scanGroup(c.QueryRow(`select key, description, permissions from darkauth_group where key = $1;`, key))
	if isNoRows(err) {
		return storage.Group{}, storage.ErrNotFound
	}
	return g, err
}

func (c *conn) ListGroups(ctx context.Context) ([]storage.Group, error) {
	rows, err := c.Query(`select key, description, permissions from darkauth_group;`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []storage.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (c *conn) UpdateGroup(ctx context.Context, key string, updater func(storage.Group) (storage.Group, error)) error {
	return c.ExecTx(func(tx *trans) error {
		g, err := scanGroup(tx.QueryRow(`select key, description, permissions from darkauth_group where key = $1;`, key))
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get group: %w", err)
		}

		ng, err := updater(g)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`update darkauth_group set description = $1, permissions = $2 where key = $3;`,
			ng.Description, encoder(ng.Permissions), key)
		if err != nil {
			return fmt.Errorf("update group: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteGroup(ctx context.Context, key string) error {
	r, err := c.Exec(`delete from darkauth_group where key = $1;`, key)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) AddUserToGroup(ctx context.Context, groupKey, userSub string) error {
	_, err := c.Exec(`insert into group_member (group_key, user_sub) values ($1, $2);`, groupKey, userSub)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("add user to group: %w", err)
	}
	return nil
}

func (c *conn) RemoveUserFromGroup(ctx context.Context, groupKey, userSub string) error {
	r, err := c.Exec(`delete from group_member where group_key = $1 and user_sub = $2;`, groupKey, userSub)
	if err != nil {
		return fmt.Errorf("remove user from group: %w", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) ListUserGroups(ctx context.Context, userSub string) ([]storage.Group, error) {
	rows, err := c.Query(`
		select g.key, g.description, g.permissions from darkauth_group g
		join group_member m on m.group_key = g.key
		where m.user_sub = $1;
	`, userSub)
	if err != nil {
		return nil, fmt.Errorf("query user groups: %w", err)
	}
	defer rows.Close()

	var groups []storage.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (c *conn) SetUserPermissions(ctx context.Context, userSub string, permissions []string) error {
	return c.ExecTx(func(tx *trans) error {
		if _, err := tx.Exec(`delete from user_permission where user_sub = $1;`, userSub); err != nil {
			return fmt.Errorf("clear user permissions: %w", err)
		}
		_, err := tx.Exec(`insert into user_permission (user_sub, permissions) values ($1, $2);`,
			userSub, encoder(permissions))
		if err != nil {
			return fmt.Errorf("set user permissions: %w", err)
		}
		return nil
	})
}

func (c *conn) ListUserPermissions(ctx context.Context, userSub string) ([]string, error) {
	var permissions []string
	row := c.QueryRow(`select permissions from user_permission where user_sub = $1;`, userSub)
	if err := row.Scan(decoder(&permissions)); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user permissions: %w", err)
	}
	return permissions, nil
}

// --- Organizations ---

func scanOrganization(s scannerLike) (storage.Organization, error) {
	var o storage.Organization
	err := s.Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	return o, err
}

func (c *conn) CreateOrganization(ctx context.Context, o storage.Organization) error {
	_, err := c.Exec(`insert into organization (id, slug, name, created_at) values ($1, $2, $3, $4);`,
		o.ID, o.Slug, o.Name, o.CreatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (c *conn) GetOrganization(ctx context.Context, id string) (storage.Organization, error) {
	o, err := scanOrganization(c.QueryRow(`select id, slug, name, created_at from organization where id = $1;`, id))
	if isNoRows(err) {
		return storage.Organization{}, storage.ErrNotFound
	}
	return o, err
}

func (c *conn) ListOrganizations(ctx context.Context) ([]storage.Organization, error) {
	rows, err := c.Query(`select id, slug, name, created_at from organization;`)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []storage.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func (c *conn) DeleteOrganization(ctx context.Context, id string) error {
	r, err := c.Exec(`delete from organization where id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) UpsertOrganizationMember(ctx context.Context, m storage.OrganizationMember) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`
			update organization_member set status = $1, role_keys = $2
			where organization_id = $3 and user_sub = $4;
		`, m.Status, encoder(m.RoleKeys), m.OrganizationID, m.UserSub)
		if err != nil {
			return fmt.Errorf("update organization member: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}

		_, err = tx.Exec(`
			insert into organization_member (organization_id, user_sub, status, role_keys, created_at)
			values ($1, $2, $3, $4, $5);
		`, m.OrganizationID, m.UserSub, m.Status, encoder(m.RoleKeys), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert organization member: %w", err)
		}
		return nil
	})
}

func scanOrganizationMember(s scannerLike) (storage.OrganizationMember, error) {
	var m storage.OrganizationMember
	err := s.Scan(&m.OrganizationID, &m.UserSub, &m.Status, decoder(&m.RoleKeys), &m.CreatedAt)
	return m, err
}

func (c *conn) GetOrganizationMember(ctx context.Context, orgID, userSub string) (storage.OrganizationMember, error) {
	m, err := scanOrganizationMember(c.QueryRow(`
		select organization_id, user_sub, status, role_keys, created_at
		from organization_member where organization_id = $1 and user_sub = $2;
	`, orgID, userSub))
	if isNoRows(err) {
		return storage.OrganizationMember{}, storage.ErrNotFound
	}
	return m, err
}

func (c *conn) ListOrganizationMembersForUser(ctx context.Context, userSub string) ([]storage.OrganizationMember, error) {
	rows, err := c.Query(`
		select organization_id, user_sub, status, role_keys, created_at
		from organization_member where user_sub = $1;
	`, userSub)
	if err != nil {
		return nil, fmt.Errorf("query organization members: %w", err)
	}
	defer rows.Close()

	var members []storage.OrganizationMember
	for rows.Next() {
		m, err := scanOrganizationMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (c *conn) RemoveOrganizationMember(ctx context.Context, orgID, userSub string) error {
	r, err := c.Exec(`delete from organization_member where organization_id = $1 and user_sub = $2;`, orgID, userSub)
	if err != nil {
		return fmt.Errorf("remove organization member: %w", err)
	}
	return checkRowsAffected(r)
}

// --- Signing keys ---

func scanSigningKey(s scannerLike) (storage.SigningKey, error) {
	var k storage.SigningKey
	var expiry sql.NullTime
	err := s.Scan(&k.KID, &k.Algorithm, &k.PublicJWK, &k.EncryptedPrivateJWK, &k.Active, &k.VerifyOnly, &k.CreatedAt, &expiry)
	if expiry.Valid {
		k.Expiry = expiry.Time
	}
	return k, err
}

func (c *conn) CreateSigningKey(ctx context.Context, k storage.SigningKey) error {
	_, err := c.Exec(`
		insert into signing_key (kid, algorithm, public_jwk, encrypted_private_jwk, active, verify_only, created_at, expiry)
		values ($1, $2, $3, $4, $5, $6, $7, $8);
	`, k.KID, k.Algorithm, k.PublicJWK, k.EncryptedPrivateJWK, k.Active, k.VerifyOnly, k.CreatedAt, nullTime(k.Expiry))
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert signing key: %w", err)
	}
	return nil
}

func (c *conn) GetActiveSigningKey(ctx context.Context) (storage.SigningKey, error) {
	k, err := scanSigningKey(c.QueryRow(`
		select kid, algorithm, public_jwk, encrypted_private_jwk, active, verify_only, created_at, expiry
		from signing_key where active = true limit 1;
	`))
	if isNoRows(err) {
		return storage.SigningKey{}, storage.ErrNotFound
	}
	return k, err
}

func (c *conn) ListSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	rows, err := c.Query(`select kid, algorithm, public_jwk, encrypted_private_jwk, active, verify_only, created_at, expiry from signing_key;`)
	if err != nil {
		return nil, fmt.Errorf("query signing keys: %w", err)
	}
	defer rows.Close()

	var keys []storage.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *conn) RotateSigningKey(ctx context.Context, demoted storage.SigningKey, active storage.SigningKey) error {
	return c.ExecTx(func(tx *trans) error {
		_, err := tx.Exec(`update signing_key set active = false, verify_only = $1, expiry = $2 where kid = $3;`,
			demoted.VerifyOnly, nullTime(demoted.Expiry), demoted.KID)
		if err != nil {
			return fmt.Errorf("demote signing key: %w", err)
		}

		_, err = tx.Exec(`
			insert into signing_key (kid, algorithm, public_jwk, encrypted_private_jwk, active, verify_only, created_at, expiry)
			values ($1, $2, $3, $4, true, false, $5, null);
		`, active.KID, active.Algorithm, active.PublicJWK, active.EncryptedPrivateJWK, active.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert active signing key: %w", err)
		}
		return nil
	})
}

func (c *conn) DeleteSigningKey(ctx context.Context, kid string) error {
	r, err := c.Exec(`delete from signing_key where kid = $1;`, kid)
	if err != nil {
		return fmt.Errorf("delete signing key: %w", err)
	}
	return checkRowsAffected(r)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- Crypto blobs ---

func (c *conn) GetUserEncryptionKey(ctx context.Context, subject string) (storage.UserEncryptionKey, error) {
	var k storage.UserEncryptionKey
	err := c.QueryRow(`select subject, enc_pub, enc_priv, updated_at from user_encryption_key where subject = $1;`, subject).
		Scan(&k.Subject, &k.EncPub, &k.EncPriv, &k.UpdatedAt)
	if isNoRows(err) {
		return storage.UserEncryptionKey{}, storage.ErrNotFound
	}
	return k, err
}

func (c *conn) PutUserEncryptionKey(ctx context.Context, k storage.UserEncryptionKey) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`update user_encryption_key set enc_pub = $1, enc_priv = $2, updated_at = $3 where subject = $4;`,
			k.EncPub, k.EncPriv, k.UpdatedAt, k.Subject)
		if err != nil {
			return fmt.Errorf("update user encryption key: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`insert into user_encryption_key (subject, enc_pub, enc_priv, updated_at) values ($1, $2, $3, $4);`,
			k.Subject, k.EncPub, k.EncPriv, k.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert user encryption key: %w", err)
		}
		return nil
	})
}

func (c *conn) GetWrappedRootKey(ctx context.Context, subject string) (storage.WrappedRootKey, error) {
	var k storage.WrappedRootKey
	err := c.QueryRow(`select subject, wrapped, updated_at from wrapped_root_key where subject = $1;`, subject).
		Scan(&k.Subject, &k.Wrapped, &k.UpdatedAt)
	if isNoRows(err) {
		return storage.WrappedRootKey{}, storage.ErrNotFound
	}
	return k, err
}

func (c *conn) PutWrappedRootKey(ctx context.Context, k storage.WrappedRootKey) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`update wrapped_root_key set wrapped = $1, updated_at = $2 where subject = $3;`,
			k.Wrapped, k.UpdatedAt, k.Subject)
		if err != nil {
			return fmt.Errorf("update wrapped root key: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`insert into wrapped_root_key (subject, wrapped, updated_at) values ($1, $2, $3);`,
			k.Subject, k.Wrapped, k.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert wrapped root key: %w", err)
		}
		return nil
	})
}

// --- Settings ---

func (c *conn) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.QueryRow(`select value from setting where key = $1;`, key).Scan(&value)
	if isNoRows(err) {
		return nil, storage.ErrNotFound
	}
	return value, err
}

func (c *conn) PutSetting(ctx context.Context, key string, value []byte) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`update setting set value = $1 where key = $2;`, value, key)
		if err != nil {
			return fmt.Errorf("update setting: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`insert into setting (key, value) values ($1, $2);`, key, value)
		if err != nil {
			return fmt.Errorf("insert setting: %w", err)
		}
		return nil
	})
}

func (c *conn) ListSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := c.Query(`select key, value from setting;`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := map[string][]byte{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// --- Rate limiting ---

// IncrementRateLimitBucket increments the counter for {bucket, clientKey,
// windowStart}, creating the row on first use, and returns the new count.
func (c *conn) IncrementRateLimitBucket(ctx context.Context, bucket, clientKey string, windowStart time.Time) (int64, error) {
	var count int64
	err := c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`
			update rate_limit_bucket set count = count + 1
			where bucket = $1 and client_key = $2 and window_start = $3;
		`, bucket, clientKey, windowStart)
		if err != nil {
			return fmt.Errorf("increment rate limit bucket: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			_, err = tx.Exec(`
				insert into rate_limit_bucket (bucket, client_key, window_start, count) values ($1, $2, $3, 1);
			`, bucket, clientKey, windowStart)
			if err != nil {
				return fmt.Errorf("insert rate limit bucket: %w", err)
			}
		}
		return tx.QueryRow(`
			select count from rate_limit_bucket where bucket = $1 and client_key = $2 and window_start = $3;
		`, bucket, clientKey, windowStart).Scan(&count)
	})
	return count, err
}

// --- Audit ---

func (c *conn) WriteAuditEvent(ctx context.Context, e storage.AuditEvent) error {
	_, err := c.Exec(`
		insert into audit_event (id, at, actor_type, actor_sub, action, target, ip, success, detail)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`, e.ID, e.At, e.ActorType, e.ActorSub, e.Action, e.Target, e.IP, e.Success, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (c *conn) ListAuditEvents(ctx context.Context, limit int) ([]storage.AuditEvent, error) {
	rows, err := c.Query(`
		select id, at, actor_type, actor_sub, action, target, ip, success, detail
		from audit_event order by at desc limit $1;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var e storage.AuditEvent
		if err := rows.Scan(&e.ID, &e.At, &e.ActorType, &e.ActorSub, &e.Action, &e.Target, &e.IP, &e.Success, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// checkRowsAffected returns ErrNotFound when an UPDATE/DELETE touched no rows.
func checkRowsAffected(r sql.Result) error {
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
