// Package memory provides an in-memory implementation of storage.Storage,
// used for tests and single-instance deployments that accept a cold start
// wiping all state.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/darkauth/idp/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns a fresh in-memory store.
func New(logger *slog.Logger) storage.Storage {
	return &memStorage{
		users:           make(map[string]storage.User),
		admins:          make(map[string]storage.Admin),
		opaqueRecords:   make(map[recordKey]storage.OpaqueRecord),
		retiredRecords:  make(map[recordKey][]storage.OpaqueRecord),
		loginSessions:   make(map[string]storage.OpaqueLoginSession),
		pendingAuths:    make(map[string]storage.PendingAuthorization),
		authCodes:       make(map[string]storage.AuthCode),
		sessions:        make(map[string]storage.Session),
		clients:         make(map[string]storage.Client),
		permissions:     make(map[string]storage.Permission),
		roles:           make(map[string]storage.Role),
		groups:          make(map[string]storage.Group),
		groupMembers:    make(map[string]map[string]bool),
		userPermissions: make(map[string][]string),
		orgs:            make(map[string]storage.Organization),
		orgMembers:      make(map[orgMemberKey]storage.OrganizationMember),
		signingKeys:     make(map[string]storage.SigningKey),
		userEncKeys:     make(map[string]storage.UserEncryptionKey),
		wrappedRootKeys: make(map[string]storage.WrappedRootKey),
		settings:        make(map[string][]byte),
		rateBuckets:     make(map[rateKey]int64),
		auditEvents:     nil,
		logger:          logger,
	}
}

// Config is the (empty) configuration for the in-memory backend, matching
// the other backends' Config.Open(logger) shape for uniform wiring in
// cmd/darkauth.
type Config struct{}

func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

type recordKey struct {
	owner   storage.OpaqueRecordOwner
	subject string
}

type orgMemberKey struct {
	orgID string
	sub   string
}

type rateKey struct {
	bucket      string
	clientKey   string
	windowStart time.Time
}

type memStorage struct {
	mu sync.Mutex

	users          map[string]storage.User
	admins         map[string]storage.Admin
	opaqueRecords  map[recordKey]storage.OpaqueRecord
	retiredRecords map[recordKey][]storage.OpaqueRecord
	loginSessions  map[string]storage.OpaqueLoginSession
	pendingAuths   map[string]storage.PendingAuthorization
	authCodes      map[string]storage.AuthCode
	sessions       map[string]storage.Session
	clients        map[string]storage.Client

	permissions     map[string]storage.Permission
	roles           map[string]storage.Role
	groups          map[string]storage.Group
	groupMembers    map[string]map[string]bool // groupKey -> set(userSub)
	userPermissions map[string][]string

	orgs       map[string]storage.Organization
	orgMembers map[orgMemberKey]storage.OrganizationMember

	signingKeys     map[string]storage.SigningKey
	userEncKeys     map[string]storage.UserEncryptionKey
	wrappedRootKeys map[string]storage.WrappedRootKey

	settings    map[string][]byte
	rateBuckets map[rateKey]int64
	auditEvents []storage.AuditEvent

	logger *slog.Logger
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

// Users

func (s *memStorage) CreateUser(ctx context.Context, u storage.User) (err error) {
	s.tx(func() {
		if _, ok := s.users[u.Subject]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.users[u.Subject] = u
	})
	return
}

func (s *memStorage) GetUser(ctx context.Context, subject string) (u storage.User, err error) {
	s.tx(func() {
		var ok bool
		if u, ok = s.users[subject]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetUserByEmail(ctx context.Context, email string) (u storage.User, err error) {
	email = strings.ToLower(email)
	s.tx(func() {
		for _, candidate := range s.users {
			if strings.ToLower(candidate.Email) == email {
				u = candidate
				return
			}
		}
		err = storage.ErrNotFound
	})
	return
}

func (s *memStorage) ListUsers(ctx context.Context) (out []storage.User, err error) {
	s.tx(func() {
		for _, u := range s.users {
			out = append(out, u)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return
}

func (s *memStorage) UpdateUser(ctx context.Context, subject string, updater func(storage.User) (storage.User, error)) (err error) {
	s.tx(func() {
		cur, ok := s.users[subject]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.users[subject] = updated
	})
	return
}

func (s *memStorage) DeleteUser(ctx context.Context, subject string) (err error) {
	s.tx(func() {
		if _, ok := s.users[subject]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.users, subject)
	})
	return
}

// Admins

func (s *memStorage) CreateAdmin(ctx context.Context, a storage.Admin) (err error) {
	s.tx(func() {
		if _, ok := s.admins[a.Subject]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.admins[a.Subject] = a
	})
	return
}

func (s *memStorage) GetAdmin(ctx context.Context, subject string) (a storage.Admin, err error) {
	s.tx(func() {
		var ok bool
		if a, ok = s.admins[subject]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetAdminByEmail(ctx context.Context, email string) (a storage.Admin, err error) {
	email = strings.ToLower(email)
	s.tx(func() {
		for _, candidate := range s.admins {
			if strings.ToLower(candidate.Email) == email {
				a = candidate
				return
			}
		}
		err = storage.ErrNotFound
	})
	return
}

func (s *memStorage) ListAdmins(ctx context.Context) (out []storage.Admin, err error) {
	s.tx(func() {
		for _, a := range s.admins {
			out = append(out, a)
		}
	})
	return
}

func (s *memStorage) UpdateAdmin(ctx context.Context, subject string, updater func(storage.Admin) (storage.Admin, error)) (err error) {
	s.tx(func() {
		cur, ok := s.admins[subject]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.admins[subject] = updated
	})
	return
}

func (s *memStorage) DeleteAdmin(ctx context.Context, subject string) (err error) {
	s.tx(func() {
		if _, ok := s.admins[subject]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.admins, subject)
	})
	return
}

// OPAQUE records

func (s *memStorage) CreateOpaqueRecord(ctx context.Context, r storage.OpaqueRecord) (err error) {
	key := recordKey{r.Owner, r.Subject}
	s.tx(func() {
		if _, ok := s.opaqueRecords[key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.opaqueRecords[key] = r
	})
	return
}

func (s *memStorage) GetOpaqueRecord(ctx context.Context, owner storage.OpaqueRecordOwner, subject string) (r storage.OpaqueRecord, err error) {
	key := recordKey{owner, subject}
	s.tx(func() {
		var ok bool
		if r, ok = s.opaqueRecords[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) RetireOpaqueRecord(ctx context.Context, owner storage.OpaqueRecordOwner, subject string, replacement storage.OpaqueRecord) (err error) {
	key := recordKey{owner, subject}
	s.tx(func() {
		cur, ok := s.opaqueRecords[key]
		if ok {
			cur.Retired = true
			s.retiredRecords[key] = append(s.retiredRecords[key], cur)
		}
		s.opaqueRecords[key] = replacement
	})
	return
}

func (s *memStorage) ListRetiredOpaqueRecords(ctx context.Context, owner storage.OpaqueRecordOwner, subject string) (out []storage.OpaqueRecord, err error) {
	key := recordKey{owner, subject}
	s.tx(func() {
		out = append(out, s.retiredRecords[key]...)
	})
	return
}

// OPAQUE login sessions

func (s *memStorage) CreateOpaqueLoginSession(ctx context.Context, sess storage.OpaqueLoginSession) (err error) {
	s.tx(func() {
		if _, ok := s.loginSessions[sess.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.loginSessions[sess.ID] = sess
	})
	return
}

func (s *memStorage) ConsumeOpaqueLoginSession(ctx context.Context, id string, now time.Time) (sess storage.OpaqueLoginSession, err error) {
	s.tx(func() {
		cur, ok := s.loginSessions[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.loginSessions, id)
		if now.After(cur.ExpiresAt) {
			err = storage.ErrNotFound
			return
		}
		sess = cur
	})
	return
}

func (s *memStorage) GCOpaqueLoginSessions(ctx context.Context, now time.Time) (n int64, err error) {
	s.tx(func() {
		for id, sess := range s.loginSessions {
			if now.After(sess.ExpiresAt) {
				delete(s.loginSessions, id)
				n++
			}
		}
	})
	return
}

// Pending authorizations

func (s *memStorage) CreatePendingAuthorization(ctx context.Context, p storage.PendingAuthorization) (err error) {
	s.tx(func() {
		if _, ok := s.pendingAuths[p.RequestID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.pendingAuths[p.RequestID] = p
	})
	return
}

func (s *memStorage) GetPendingAuthorization(ctx context.Context, requestID string) (p storage.PendingAuthorization, err error) {
	s.tx(func() {
		var ok bool
		if p, ok = s.pendingAuths[requestID]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) BindUserToPendingAuthorization(ctx context.Context, requestID, userSub string, otpVerified bool) (err error) {
	s.tx(func() {
		p, ok := s.pendingAuths[requestID]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		p.UserSub = userSub
		p.OTPVerified = otpVerified
		s.pendingAuths[requestID] = p
	})
	return
}

func (s *memStorage) ConsumePendingAuthorization(ctx context.Context, requestID string, now time.Time) (p storage.PendingAuthorization, err error) {
	s.tx(func() {
		cur, ok := s.pendingAuths[requestID]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.pendingAuths, requestID)
		if now.After(cur.ExpiresAt) {
			err = storage.ErrNotFound
			return
		}
		p = cur
	})
	return
}

// Authorization codes

func (s *memStorage) CreateAuthCode(ctx context.Context, c storage.AuthCode) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[c.Code]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.authCodes[c.Code] = c
	})
	return
}

func (s *memStorage) GetAuthCode(ctx context.Context, code string) (c storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.authCodes[code]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (c storage.AuthCode, err error) {
	s.tx(func() {
		cur, ok := s.authCodes[code]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if cur.Consumed {
			err = storage.ErrAlreadyConsumed
			return
		}
		if now.After(cur.ExpiresAt) {
			err = storage.ErrNotFound
			return
		}
		cur.Consumed = true
		s.authCodes[code] = cur
		c = cur
	})
	return
}

func (s *memStorage) DeleteAuthCode(ctx context.Context, code string) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[code]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authCodes, code)
	})
	return
}

// Sessions

func (s *memStorage) CreateSession(ctx context.Context, sess storage.Session) (err error) {
	s.tx(func() {
		if _, ok := s.sessions[sess.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.sessions[sess.ID] = sess
	})
	return
}

func (s *memStorage) GetSession(ctx context.Context, id string) (sess storage.Session, err error) {
	s.tx(func() {
		var ok bool
		if sess, ok = s.sessions[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetSessionByRefreshToken(ctx context.Context, token string) (sess storage.Session, err error) {
	s.tx(func() {
		for _, candidate := range s.sessions {
			if candidate.RefreshToken == token {
				sess = candidate
				return
			}
		}
		err = storage.ErrNotFound
	})
	return
}

func (s *memStorage) RotateSessionRefreshToken(ctx context.Context, token, newToken string, newExpiry time.Time, now time.Time) (sess storage.Session, err error) {
	s.tx(func() {
		var id string
		var found storage.Session
		ok := false
		for candidateID, candidate := range s.sessions {
			if candidate.RefreshToken == token {
				id, found, ok = candidateID, candidate, true
				break
			}
		}
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if now.After(found.ExpiresAt) {
			err = storage.ErrNotFound
			return
		}
		found.RefreshToken = newToken
		found.ExpiresAt = newExpiry
		s.sessions[id] = found
		sess = found
	})
	return
}

func (s *memStorage) UpdateSession(ctx context.Context, id string, updater func(storage.Session) (storage.Session, error)) (err error) {
	s.tx(func() {
		cur, ok := s.sessions[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.sessions[id] = updated
	})
	return
}

func (s *memStorage) DeleteSession(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.sessions[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.sessions, id)
	})
	return
}

// Clients

func (s *memStorage) CreateClient(ctx context.Context, c storage.Client) (err error) {
	s.tx(func() {
		if _, ok := s.clients[c.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.clients[c.ID] = c
	})
	return
}

func (s *memStorage) GetClient(ctx context.Context, id string) (c storage.Client, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.clients[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListClients(ctx context.Context) (out []storage.Client, err error) {
	s.tx(func() {
		for _, c := range s.clients {
			out = append(out, c)
		}
	})
	return
}

func (s *memStorage) UpdateClient(ctx context.Context, id string, updater func(storage.Client) (storage.Client, error)) (err error) {
	s.tx(func() {
		cur, ok := s.clients[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.clients[id] = updated
	})
	return
}

func (s *memStorage) DeleteClient(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.clients[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, id)
	})
	return
}

// RBAC

func (s *memStorage) CreatePermission(ctx context.Context, p storage.Permission) (err error) {
	s.tx(func() {
		if _, ok := s.permissions[p.Key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.permissions[p.Key] = p
	})
	return
}

func (s *memStorage) ListPermissions(ctx context.Context) (out []storage.Permission, err error) {
	s.tx(func() {
		for _, p := range s.permissions {
			out = append(out, p)
		}
	})
	return
}

func (s *memStorage) CreateRole(ctx context.Context, r storage.Role) (err error) {
	s.tx(func() {
		if _, ok := s.roles[r.Key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.roles[r.Key] = r
	})
	return
}

func (s *memStorage) GetRole(ctx context.Context, key string) (r storage.Role, err error) {
	s.tx(func() {
		var ok bool
		if r, ok = s.roles[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListRoles(ctx context.Context) (out []storage.Role, err error) {
	s.tx(func() {
		for _, r := range s.roles {
			out = append(out, r)
		}
	})
	return
}

func (s *memStorage) UpdateRole(ctx context.Context, key string, updater func(storage.Role) (storage.Role, error)) (err error) {
	s.tx(func() {
		cur, ok := s.roles[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.roles[key] = updated
	})
	return
}

func (s *memStorage) DeleteRole(ctx context.Context, key string) (err error) {
	s.tx(func() {
		if _, ok := s.roles[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.roles, key)
	})
	return
}

func (s *memStorage) CreateGroup(ctx context.Context, g storage.Group) (err error) {
	s.tx(func() {
		if _, ok := s.groups[g.Key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.groups[g.Key] = g
		s.groupMembers[g.Key] = make(map[string]bool)
	})
	return
}

func (s *memStorage) GetGroup(ctx context.Context, key string) (g storage.Group, err error) {
	s.tx(func() {
		var ok bool
		if g, ok = s.groups[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListGroups(ctx context.Context) (out []storage.Group, err error) {
	s.tx(func() {
		for _, g := range s.groups {
			out = append(out, g)
		}
	})
	return
}

func (s *memStorage) UpdateGroup(ctx context.Context, key string, updater func(storage.Group) (storage.Group, error)) (err error) {
	s.tx(func() {
		cur, ok := s.groups[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		s.groups[key] = updated
	})
	return
}

func (s *memStorage) DeleteGroup(ctx context.Context, key string) (err error) {
	s.tx(func() {
		if _, ok := s.groups[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.groups, key)
		delete(s.groupMembers, key)
	})
	return
}

func (s *memStorage) AddUserToGroup(ctx context.Context, groupKey, userSub string) (err error) {
	s.tx(func() {
		members, ok := s.groupMembers[groupKey]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		members[userSub] = true
	})
	return
}

func (s *memStorage) RemoveUserFromGroup(ctx context.Context, groupKey, userSub string) (err error) {
	s.tx(func() {
		members, ok := s.groupMembers[groupKey]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(members, userSub)
	})
	return
}

func (s *memStorage) ListUserGroups(ctx context.Context, userSub string) (out []storage.Group, err error) {
	s.tx(func() {
		for key, members := range s.groupMembers {
			if members[userSub] {
				out = append(out, s.groups[key])
			}
		}
	})
	return
}

func (s *memStorage) SetUserPermissions(ctx context.Context, userSub string, permissions []string) (err error) {
	s.tx(func() {
		cp := make([]string, len(permissions))
		copy(cp, permissions)
		s.userPermissions[userSub] = cp
	})
	return
}

func (s *memStorage) ListUserPermissions(ctx context.Context, userSub string) (out []string, err error) {
	s.tx(func() {
		out = append(out, s.userPermissions[userSub]...)
	})
	return
}

// Organizations

func (s *memStorage) CreateOrganization(ctx context.Context, o storage.Organization) (err error) {
	s.tx(func() {
		if _, ok := s.orgs[o.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.orgs[o.ID] = o
	})
	return
}

func (s *memStorage) GetOrganization(ctx context.Context, id string) (o storage.Organization, err error) {
	s.tx(func() {
		var ok bool
		if o, ok = s.orgs[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListOrganizations(ctx context.Context) (out []storage.Organization, err error) {
	s.tx(func() {
		for _, o := range s.orgs {
			out = append(out, o)
		}
	})
	return
}

func (s *memStorage) DeleteOrganization(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.orgs[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.orgs, id)
	})
	return
}

func (s *memStorage) UpsertOrganizationMember(ctx context.Context, m storage.OrganizationMember) (err error) {
	s.tx(func() {
		s.orgMembers[orgMemberKey{m.OrganizationID, m.UserSub}] = m
	})
	return
}

func (s *memStorage) GetOrganizationMember(ctx context.Context, orgID, userSub string) (m storage.OrganizationMember, err error) {
	s.tx(func() {
		var ok bool
		if m, ok = s.orgMembers[orgMemberKey{orgID, userSub}]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListOrganizationMembersForUser(ctx context.Context, userSub string) (out []storage.OrganizationMember, err error) {
	s.tx(func() {
		for key, m := range s.orgMembers {
			if key.sub == userSub {
				out = append(out, m)
			}
		}
	})
	return
}

func (s *memStorage) RemoveOrganizationMember(ctx context.Context, orgID, userSub string) (err error) {
	s.tx(func() {
		key := orgMemberKey{orgID, userSub}
		if _, ok := s.orgMembers[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.orgMembers, key)
	})
	return
}

// Signing keys

func (s *memStorage) CreateSigningKey(ctx context.Context, k storage.SigningKey) (err error) {
	s.tx(func() {
		if _, ok := s.signingKeys[k.KID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.signingKeys[k.KID] = k
	})
	return
}

func (s *memStorage) GetActiveSigningKey(ctx context.Context) (k storage.SigningKey, err error) {
	s.tx(func() {
		for _, candidate := range s.signingKeys {
			if candidate.Active {
				k = candidate
				return
			}
		}
		err = storage.ErrNotFound
	})
	return
}

func (s *memStorage) ListSigningKeys(ctx context.Context) (out []storage.SigningKey, err error) {
	s.tx(func() {
		for _, k := range s.signingKeys {
			out = append(out, k)
		}
	})
	return
}

func (s *memStorage) RotateSigningKey(ctx context.Context, demoted storage.SigningKey, active storage.SigningKey) (err error) {
	s.tx(func() {
		if _, ok := s.signingKeys[demoted.KID]; ok {
			s.signingKeys[demoted.KID] = demoted
		}
		s.signingKeys[active.KID] = active
	})
	return
}

func (s *memStorage) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	s.tx(func() {
		if _, ok := s.signingKeys[kid]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.signingKeys, kid)
	})
	return
}

// Crypto blobs

func (s *memStorage) GetUserEncryptionKey(ctx context.Context, subject string) (k storage.UserEncryptionKey, err error) {
	s.tx(func() {
		var ok bool
		if k, ok = s.userEncKeys[subject]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) PutUserEncryptionKey(ctx context.Context, k storage.UserEncryptionKey) (err error) {
	s.tx(func() { s.userEncKeys[k.Subject] = k })
	return
}

func (s *memStorage) GetWrappedRootKey(ctx context.Context, subject string) (k storage.WrappedRootKey, err error) {
	s.tx(func() {
		var ok bool
		if k, ok = s.wrappedRootKeys[subject]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) PutWrappedRootKey(ctx context.Context, k storage.WrappedRootKey) (err error) {
	s.tx(func() { s.wrappedRootKeys[k.Subject] = k })
	return
}

// Settings

func (s *memStorage) GetSetting(ctx context.Context, key string) (v []byte, err error) {
	s.tx(func() {
		val, ok := s.settings[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		v = append([]byte(nil), val...)
	})
	return
}

func (s *memStorage) PutSetting(ctx context.Context, key string, value []byte) (err error) {
	s.tx(func() {
		s.settings[key] = append([]byte(nil), value...)
	})
	return
}

func (s *memStorage) ListSettings(ctx context.Context) (out map[string][]byte, err error) {
	s.tx(func() {
		out = make(map[string][]byte, len(s.settings))
		for k, v := range s.settings {
			out[k] = append([]byte(nil), v...)
		}
	})
	return
}

// Rate limiting

func (s *memStorage) IncrementRateLimitBucket(ctx context.Context, bucket, clientKey string, windowStart time.Time) (n int64, err error) {
	s.tx(func() {
		key := rateKey{bucket, clientKey, windowStart}
		s.rateBuckets[key]++
		n = s.rateBuckets[key]
	})
	return
}

// Audit

func (s *memStorage) WriteAuditEvent(ctx context.Context, e storage.AuditEvent) (err error) {
	s.tx(func() {
		s.auditEvents = append(s.auditEvents, e)
	})
	return
}

func (s *memStorage) ListAuditEvents(ctx context.Context, limit int) (out []storage.AuditEvent, err error) {
	s.tx(func() {
		n := len(s.auditEvents)
		start := 0
		if limit > 0 && n > limit {
			start = n - limit
		}
		out = append(out, s.auditEvents[start:]...)
	})
	return
}

// GarbageCollect

func (s *memStorage) GarbageCollect(ctx context.Context, now time.Time) (result storage.GCResult, err error) {
	s.tx(func() {
		for id, p := range s.pendingAuths {
			if now.After(p.ExpiresAt) {
				delete(s.pendingAuths, id)
				result.PendingAuthorizations++
			}
		}
		for id, c := range s.authCodes {
			if now.After(c.ExpiresAt) {
				delete(s.authCodes, id)
				result.AuthCodes++
			}
		}
		for id, l := range s.loginSessions {
			if now.After(l.ExpiresAt) {
				delete(s.loginSessions, id)
				result.OpaqueLoginSessions++
			}
		}
		for id, sess := range s.sessions {
			if now.After(sess.ExpiresAt) {
				delete(s.sessions, id)
				result.Sessions++
			}
		}
	})
	return
}
