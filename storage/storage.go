// Package storage defines the persistence contract shared by every backend
// (storage/memory, storage/sql) and the entity types that flow through it.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by storages when a resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a Create call whose ID is taken.
	ErrAlreadyExists = errors.New("id already exists")

	// ErrAlreadyConsumed is returned by the atomic consume operations when a
	// concurrent caller already won the race.
	ErrAlreadyConsumed = errors.New("already consumed")
)

// NewID returns a URL-safe, base64-encoded string from n bytes of
// crypto/rand output. Used for authorization codes, session ids, refresh
// tokens and every other bearer identifier in the system.
func NewID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// User is an end user authenticated via OPAQUE.
type User struct {
	Subject                string
	Email                  string
	Name                   string
	CreatedAt              time.Time
	PasswordResetRequired  bool
}

// AdminRole is the privilege level of an Admin.
type AdminRole string

const (
	AdminRoleRead  AdminRole = "read"
	AdminRoleWrite AdminRole = "write"
)

// Admin is an operator account, authenticated the same way as User but in a
// distinct namespace.
type Admin struct {
	Subject   string
	Email     string
	Name      string
	Role      AdminRole
	CreatedAt time.Time
}

// OpaqueRecordOwner distinguishes which namespace an OPAQUE record belongs to.
type OpaqueRecordOwner string

const (
	OpaqueOwnerUser  OpaqueRecordOwner = "user"
	OpaqueOwnerAdmin OpaqueRecordOwner = "admin"
)

// OpaqueRecord is the registration output of the OPAQUE protocol for one
// subject: the client's static public key, masking key, and envelope,
// opaque-encoded together since nothing outside the protocol engine
// interprets their contents. Record never leaves the database except to
// drive a login start.
type OpaqueRecord struct {
	Subject   string
	Owner     OpaqueRecordOwner
	Record    []byte
	CreatedAt time.Time
	// Retired holds superseded records kept for recovery purposes; never
	// used to drive a fresh startLogin, only a recovery verification path.
	Retired bool
}

// OpaqueLoginSession is the server-side state of one in-flight OPAQUE login.
// Identity fields are stored pre-encrypted by the KEK service; this package
// never interprets their contents.
type OpaqueLoginSession struct {
	ID                   string
	ServerState          []byte
	EncryptedIdentityU   []byte
	EncryptedIdentityS   []byte
	Owner                OpaqueRecordOwner
	ExpiresAt            time.Time
}

// PKCEMethod is the supported code_challenge_method.
type PKCEMethod string

const PKCEMethodS256 PKCEMethod = "S256"

// PendingAuthorization tracks one authorize-to-finalize round trip.
type PendingAuthorization struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod PKCEMethod
	ZKPubKID            string
	ZKPub               string
	UserSub             string
	OTPVerified         bool
	Origin              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthCode is a one-time code minted at authorize/finalize and redeemed at
// the token endpoint.
type AuthCode struct {
	Code                string
	ClientID            string
	Subject             string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod PKCEMethod
	Nonce               string
	Scope               string
	OrganizationID      string
	HasZK               bool
	ZKPubKID            string
	DRKHash             string
	OTPVerified         bool
	Consumed            bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// SessionCohort distinguishes user sessions from admin sessions.
type SessionCohort string

const (
	SessionCohortUser  SessionCohort = "user"
	SessionCohortAdmin SessionCohort = "admin"
)

// Session is an opaque server-side login record; the cookie carries only ID.
type Session struct {
	ID               string
	Cohort           SessionCohort
	Subject          string
	Email            string
	Name             string
	OrganizationID   string
	OrganizationSlug string
	ClientID         string
	OTPVerified      bool
	Data             []byte
	RefreshToken     string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// ClientType distinguishes clients that can hold a secret from those that
// cannot (browser SPAs, native apps).
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// TokenEndpointAuthMethod is the client authentication method at /token.
type TokenEndpointAuthMethod string

const (
	AuthMethodNone              TokenEndpointAuthMethod = "none"
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
)

// ZKDelivery selects whether a client participates in Zero-Knowledge DRK
// delivery and how.
type ZKDelivery string

const (
	ZKDeliveryNone        ZKDelivery = "none"
	ZKDeliveryFragmentJWE ZKDelivery = "fragment-jwe"
)

// Client is a registered OAuth2/OIDC relying party.
type Client struct {
	ID                      string
	Name                    string
	Type                    ClientType
	TokenEndpointAuthMethod TokenEndpointAuthMethod
	EncryptedSecret         []byte
	RequirePKCE             bool
	RedirectURIs            []string
	PostLogoutRedirectURIs  []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	ZKDelivery              ZKDelivery
	ZKRequired              bool
	AllowedZKOrigins        []string
	IDTokenLifetimeSeconds  int
	CreatedAt               time.Time
}

// Permission is a named capability that can be attached to roles, groups or
// directly to a user.
type Permission struct {
	Key         string
	Description string
}

// Role is a named, system-flaggable bundle of permissions.
type Role struct {
	Key         string
	Description string
	System      bool
	Permissions []string
}

// Group is a bundle of permissions plus direct user membership.
type Group struct {
	Key         string
	Description string
	Permissions []string
}

// OrganizationMemberStatus is the lifecycle state of a membership row.
type OrganizationMemberStatus string

const (
	OrgMemberActive    OrganizationMemberStatus = "active"
	OrgMemberInvited   OrganizationMemberStatus = "invited"
	OrgMemberSuspended OrganizationMemberStatus = "suspended"
)

// Organization is a tenant boundary.
type Organization struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// OrganizationMember binds a user to an organization with a role set.
type OrganizationMember struct {
	OrganizationID string
	UserSub        string
	Status         OrganizationMemberStatus
	RoleKeys       []string
	CreatedAt      time.Time
}

// SigningKeyAlgorithm is always EdDSA in this system; kept as a type so a
// future algorithm can be introduced without reshaping the store.
type SigningKeyAlgorithm string

const AlgorithmEdDSA SigningKeyAlgorithm = "EdDSA"

// SigningKey is one JWKS entry. EncryptedPrivateJWK is kept, encrypted, for
// every key: verify-only (rotated-out) keys retain it too, although only
// the active key is used for signing.
type SigningKey struct {
	KID                 string
	Algorithm           SigningKeyAlgorithm
	PublicJWK           []byte
	EncryptedPrivateJWK []byte
	// Active is true for at most one key, the one Sign() uses.
	Active bool
	// VerifyOnly keys are published in JWKS but never used to sign.
	VerifyOnly bool
	CreatedAt  time.Time
	Expiry     time.Time // zero for the active key; set when demoted
}

// UserEncryptionKey and WrappedRootKey are opaque client-held blobs; the
// server stores and returns them without interpreting their contents.
type UserEncryptionKey struct {
	Subject   string
	EncPub    []byte
	EncPriv   []byte // wrapped by the client's own key, opaque here
	UpdatedAt time.Time
}

type WrappedRootKey struct {
	Subject   string
	Wrapped   []byte
	UpdatedAt time.Time
}

// AuditActorType distinguishes who performed an audited action.
type AuditActorType string

const (
	AuditActorUser   AuditActorType = "user"
	AuditActorAdmin  AuditActorType = "admin"
	AuditActorSystem AuditActorType = "system"
)

// AuditEvent is an immutable record of a mutation or security-relevant event.
type AuditEvent struct {
	ID        string
	At        time.Time
	ActorType AuditActorType
	ActorSub  string
	Action    string
	Target    string
	IP        string
	Success   bool
	Detail    string
}

// GCResult reports how many rows each sweep removed.
type GCResult struct {
	PendingAuthorizations int64
	AuthCodes             int64
	OpaqueLoginSessions   int64
	Sessions              int64
}

// IsEmpty reports whether a sweep found nothing to remove.
func (g GCResult) IsEmpty() bool {
	return g.PendingAuthorizations == 0 && g.AuthCodes == 0 &&
		g.OpaqueLoginSessions == 0 && g.Sessions == 0
}

// Storage is the persistence contract used by every other component.
// Implementations must perform the Consume* and Rotate* operations
// atomically: a second concurrent caller racing the same row must observe
// ErrAlreadyConsumed / ErrNotFound, never a duplicated success.
type Storage interface {
	Close() error

	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, subject string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, subject string, updater func(User) (User, error)) error
	DeleteUser(ctx context.Context, subject string) error

	// Admins
	CreateAdmin(ctx context.Context, a Admin) error
	GetAdmin(ctx context.Context, subject string) (Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (Admin, error)
	ListAdmins(ctx context.Context) ([]Admin, error)
	UpdateAdmin(ctx context.Context, subject string, updater func(Admin) (Admin, error)) error
	DeleteAdmin(ctx context.Context, subject string) error

	// OPAQUE records
	CreateOpaqueRecord(ctx context.Context, r OpaqueRecord) error
	GetOpaqueRecord(ctx context.Context, owner OpaqueRecordOwner, subject string) (OpaqueRecord, error)
	// RetireOpaqueRecord marks the current record as history and inserts the
	// replacement in a single call, preserving the retired row for recovery.
	RetireOpaqueRecord(ctx context.Context, owner OpaqueRecordOwner, subject string, replacement OpaqueRecord) error
	ListRetiredOpaqueRecords(ctx context.Context, owner OpaqueRecordOwner, subject string) ([]OpaqueRecord, error)

	// OPAQUE login sessions
	CreateOpaqueLoginSession(ctx context.Context, s OpaqueLoginSession) error
	// ConsumeOpaqueLoginSession atomically deletes and returns the session,
	// failing if it is already gone or expired.
	ConsumeOpaqueLoginSession(ctx context.Context, id string, now time.Time) (OpaqueLoginSession, error)
	GCOpaqueLoginSessions(ctx context.Context, now time.Time) (int64, error)

	// Pending authorizations
	CreatePendingAuthorization(ctx context.Context, p PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, requestID string) (PendingAuthorization, error)
	BindUserToPendingAuthorization(ctx context.Context, requestID, userSub string, otpVerified bool) error
	// ConsumePendingAuthorization atomically deletes and returns the row.
	ConsumePendingAuthorization(ctx context.Context, requestID string, now time.Time) (PendingAuthorization, error)

	// Authorization codes
	CreateAuthCode(ctx context.Context, c AuthCode) error
	GetAuthCode(ctx context.Context, code string) (AuthCode, error)
	// ConsumeAuthCode atomically flips consumed=false -> true and returns the
	// row only to the caller that won the race.
	ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthCode, error)
	DeleteAuthCode(ctx context.Context, code string) error

	// Sessions
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByRefreshToken(ctx context.Context, token string) (Session, error)
	// RotateSessionRefreshToken atomically verifies token is current and
	// non-expired, writes a new token and extends expiry.
	RotateSessionRefreshToken(ctx context.Context, token, newToken string, newExpiry time.Time, now time.Time) (Session, error)
	UpdateSession(ctx context.Context, id string, updater func(Session) (Session, error)) error
	DeleteSession(ctx context.Context, id string) error

	// Clients
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	UpdateClient(ctx context.Context, id string, updater func(Client) (Client, error)) error
	DeleteClient(ctx context.Context, id string) error

	// RBAC
	CreatePermission(ctx context.Context, p Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, key string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, key string, updater func(Role) (Role, error)) error
	DeleteRole(ctx context.Context, key string) error
	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, key string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	UpdateGroup(ctx context.Context, key string, updater func(Group) (Group, error)) error
	DeleteGroup(ctx context.Context, key string) error
	AddUserToGroup(ctx context.Context, groupKey, userSub string) error
	RemoveUserFromGroup(ctx context.Context, groupKey, userSub string) error
	ListUserGroups(ctx context.Context, userSub string) ([]Group, error)
	SetUserPermissions(ctx context.Context, userSub string, permissions []string) error
	ListUserPermissions(ctx context.Context, userSub string) ([]string, error)

	// Organizations
	CreateOrganization(ctx context.Context, o Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	DeleteOrganization(ctx context.Context, id string) error
	UpsertOrganizationMember(ctx context.Context, m OrganizationMember) error
	GetOrganizationMember(ctx context.Context, orgID, userSub string) (OrganizationMember, error)
	ListOrganizationMembersForUser(ctx context.Context, userSub string) ([]OrganizationMember, error)
	RemoveOrganizationMember(ctx context.Context, orgID, userSub string) error

	// Signing keys
	CreateSigningKey(ctx context.Context, k SigningKey) error
	GetActiveSigningKey(ctx context.Context) (SigningKey, error)
	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
	// RotateSigningKey atomically demotes the current active key (setting its
	// Expiry) and inserts the new active key.
	RotateSigningKey(ctx context.Context, demoted SigningKey, active SigningKey) error
	DeleteSigningKey(ctx context.Context, kid string) error

	// Crypto blobs
	GetUserEncryptionKey(ctx context.Context, subject string) (UserEncryptionKey, error)
	PutUserEncryptionKey(ctx context.Context, k UserEncryptionKey) error
	GetWrappedRootKey(ctx context.Context, subject string) (WrappedRootKey, error)
	PutWrappedRootKey(ctx context.Context, k WrappedRootKey) error

	// Settings: a flat key-value store of JSON-encoded values, used for KDF
	// params, issuer, token lifetimes, and the `initialized` flag.
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
	ListSettings(ctx context.Context) (map[string][]byte, error)

	// Rate limiting (used by ratelimit.Bus when no Redis URL is configured)
	IncrementRateLimitBucket(ctx context.Context, bucket, clientKey string, windowStart time.Time) (int64, error)

	// Audit
	WriteAuditEvent(ctx context.Context, e AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)

	// GarbageCollect deletes all expired pending authorizations, auth codes,
	// OPAQUE login sessions and sessions.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}
