package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() error {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}

	for {
		done := false
		err := c.ExecTx(func(tx *trans) error {
			var (
				num sql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %w", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			if _, err := tx.Exec(migrations[n].stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", migrationNum, err)
			}

			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now());`, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

type migration struct {
	stmt string
}

// migrations is the full schema, grown additively: one statement block per
// migration, never edited after it ships.
var migrations = []migration{
	{
		stmt: `
			create table darkauth_user (
				subject text not null primary key,
				email text not null default '',
				name text not null default '',
				created_at timestamptz not null,
				password_reset_required boolean not null default false
			);
			create unique index darkauth_user_email_idx on darkauth_user (lower(email)) where email <> '';

			create table admin (
				subject text not null primary key,
				email text not null,
				name text not null default '',
				role text not null,
				created_at timestamptz not null
			);
			create unique index admin_email_idx on admin (lower(email));

			create table opaque_record (
				owner text not null,
				subject text not null,
				record bytea not null,
				created_at timestamptz not null,
				retired boolean not null default false,
				primary key (owner, subject, retired, created_at)
			);

			create table opaque_login_session (
				id text not null primary key,
				server_state bytea not null,
				encrypted_identity_u bytea not null,
				encrypted_identity_s bytea not null,
				owner text not null,
				expires_at timestamptz not null
			);

			create table pending_authorization (
				request_id text not null primary key,
				client_id text not null,
				redirect_uri text not null,
				state text not null default '',
				scope text not null default '',
				nonce text not null default '',
				code_challenge text not null default '',
				code_challenge_method text not null default '',
				zk_pub_kid text not null default '',
				zk_pub text not null default '',
				user_sub text not null default '',
				otp_verified boolean not null default false,
				origin text not null default '',
				created_at timestamptz not null,
				expires_at timestamptz not null
			);

			create table auth_code (
				code text not null primary key,
				client_id text not null,
				subject text not null,
				redirect_uri text not null,
				code_challenge text not null default '',
				code_challenge_method text not null default '',
				nonce text not null default '',
				scope text not null default '',
				organization_id text not null default '',
				has_zk boolean not null default false,
				zk_pub_kid text not null default '',
				drk_hash text not null default '',
				otp_verified boolean not null default false,
				consumed boolean not null default false,
				created_at timestamptz not null,
				expires_at timestamptz not null
			);

			create table session (
				id text not null primary key,
				cohort text not null,
				subject text not null,
				email text not null default '',
				name text not null default '',
				organization_id text not null default '',
				organization_slug text not null default '',
				client_id text not null default '',
				otp_verified boolean not null default false,
				data bytea,
				refresh_token text not null,
				created_at timestamptz not null,
				expires_at timestamptz not null
			);
			create unique index session_refresh_token_idx on session (refresh_token);

			create table client (
				id text not null primary key,
				name text not null,
				type text not null,
				token_endpoint_auth_method text not null,
				encrypted_secret bytea,
				require_pkce boolean not null default false,
				redirect_uris bytea not null,
				post_logout_redirect_uris bytea not null,
				grant_types bytea not null,
				response_types bytea not null,
				scopes bytea not null,
				zk_delivery text not null default 'none',
				zk_required boolean not null default false,
				allowed_zk_origins bytea not null,
				id_token_lifetime_seconds integer not null default 0,
				created_at timestamptz not null
			);

			create table permission (
				key text not null primary key,
				description text not null default ''
			);

			create table role (
				key text not null primary key,
				description text not null default '',
				system boolean not null default false,
				permissions bytea not null
			);

			create table darkauth_group (
				key text not null primary key,
				description text not null default '',
				permissions bytea not null
			);

			create table group_member (
				group_key text not null,
				user_sub text not null,
				primary key (group_key, user_sub)
			);

			create table user_permission (
				user_sub text not null primary key,
				permissions bytea not null
			);

			create table organization (
				id text not null primary key,
				slug text not null,
				name text not null,
				created_at timestamptz not null
			);
			create unique index organization_slug_idx on organization (slug);

			create table organization_member (
				organization_id text not null,
				user_sub text not null,
				status text not null,
				role_keys bytea not null,
				created_at timestamptz not null,
				primary key (organization_id, user_sub)
			);

			create table signing_key (
				kid text not null primary key,
				algorithm text not null,
				public_jwk bytea not null,
				encrypted_private_jwk bytea,
				active boolean not null default false,
				verify_only boolean not null default false,
				created_at timestamptz not null,
				expiry timestamptz
			);

			create table user_encryption_key (
				subject text not null primary key,
				enc_pub bytea not null,
				enc_priv bytea not null,
				updated_at timestamptz not null
			);

			create table wrapped_root_key (
				subject text not null primary key,
				wrapped bytea not null,
				updated_at timestamptz not null
			);

			create table setting (
				key text not null primary key,
				value bytea not null
			);

			create table rate_limit_bucket (
				bucket text not null,
				client_key text not null,
				window_start timestamptz not null,
				count integer not null default 0,
				primary key (bucket, client_key, window_start)
			);

			create table audit_event (
				id text not null primary key,
				at timestamptz not null,
				actor_type text not null,
				actor_sub text not null default '',
				action text not null,
				target text not null default '',
				ip text not null default '',
				success boolean not null,
				detail text not null default ''
			);
		`,
	},
}
