// Admin CRUD surface: users, groups, roles, permissions, organizations,
// memberships, clients, and settings. Every route requires an admin
// session; mutations additionally require adminRole=write.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/storage"
)

func (s *Server) registerAdminRoutes(router *mux.Router) {
	limited := s.rateLimited("admin")

	router.Handle("/admin/users", limited(http.HandlerFunc(s.handleAdminListUsers))).Methods(http.MethodGet)
	router.Handle("/admin/users/{subject}", limited(http.HandlerFunc(s.handleAdminDeleteUser))).Methods(http.MethodDelete)

	router.Handle("/admin/clients", limited(http.HandlerFunc(s.handleAdminClients))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/admin/clients/{id}", limited(http.HandlerFunc(s.handleAdminClient))).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)

	router.Handle("/admin/permissions", limited(http.HandlerFunc(s.handleAdminPermissions))).Methods(http.MethodGet, http.MethodPost)

	router.Handle("/admin/roles", limited(http.HandlerFunc(s.handleAdminRoles))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/admin/roles/{key}", limited(http.HandlerFunc(s.handleAdminRole))).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)

	router.Handle("/admin/groups", limited(http.HandlerFunc(s.handleAdminGroups))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/admin/groups/{key}", limited(http.HandlerFunc(s.handleAdminGroup))).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
	router.Handle("/admin/groups/{key}/members/{subject}", limited(http.HandlerFunc(s.handleAdminGroupMember))).Methods(http.MethodPut, http.MethodDelete)

	router.Handle("/admin/organizations", limited(http.HandlerFunc(s.handleAdminOrganizations))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/admin/organizations/{id}", limited(http.HandlerFunc(s.handleAdminOrganization))).Methods(http.MethodGet, http.MethodDelete)
	router.Handle("/admin/organizations/{id}/members", limited(http.HandlerFunc(s.handleAdminOrganizationMembers))).Methods(http.MethodPut, http.MethodDelete)

	router.Handle("/admin/settings", limited(http.HandlerFunc(s.handleAdminSettings))).Methods(http.MethodGet)
	router.Handle("/admin/settings/{key}", limited(http.HandlerFunc(s.handleAdminSetting))).Methods(http.MethodGet, http.MethodPut)

	router.Handle("/admin/audit", limited(http.HandlerFunc(s.handleAdminAudit))).Methods(http.MethodGet)
}

// requireAdmin loads the admin session and, when write is true, rejects a
// read-only adminRole with forbidden.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, write bool) (storage.Session, bool) {
	sess, err := s.requireSession(r, storage.SessionCohortAdmin)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active admin session"))
		return storage.Session{}, false
	}
	admin, err := s.cfg.Storage.GetAdmin(r.Context(), sess.Subject)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "admin record not found"))
		return storage.Session{}, false
	}
	if write && admin.Role != storage.AdminRoleWrite {
		writeAPIError(w, newAPIError(errForbidden, "write access required"))
		return storage.Session{}, false
	}
	return sess, true
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r, false)
	if !ok {
		return
	}
	users, err := s.cfg.Storage.ListUsers(r.Context())
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	_ = sess
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r, true)
	if !ok {
		return
	}
	subject := mux.Vars(r)["subject"]
	if err := s.cfg.Storage.DeleteUser(r.Context(), subject); err != nil {
		writeAPIError(w, newAPIError(errNotFound, "user not found"))
		return
	}
	s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "user.delete", subject, r, true, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminClients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		clients, err := s.cfg.Storage.ListClients(r.Context())
		if err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		writeJSON(w, http.StatusOK, clients)
	case http.MethodPost:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var req storage.Client
		if !s.decodeValidate(w, r, &req) {
			return
		}
		req.CreatedAt = s.cfg.Now()
		if req.Type == storage.ClientTypeConfidential && req.TokenEndpointAuthMethod == storage.AuthMethodClientSecretBasic {
			secret, encErr := decodePlainSecretField(r)
			if encErr != nil {
				writeAPIError(w, newAPIError(errInvalidRequest, encErr.Error()))
				return
			}
			sealed, err := s.cfg.KEK.Encrypt(secret, []byte(req.ID))
			if err != nil {
				writeAPIError(w, newAPIError(errServerError, ""))
				return
			}
			req.EncryptedSecret = sealed
		}
		if err := s.cfg.Storage.CreateClient(r.Context(), req); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "client already exists"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "client.create", req.ID, r, true, "")
		writeJSON(w, http.StatusCreated, req)
	}
}

func (s *Server) handleAdminClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		client, err := s.cfg.Storage.GetClient(r.Context(), id)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "client not found"))
			return
		}
		writeJSON(w, http.StatusOK, client)
	case http.MethodPut:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var patch storage.Client
		if !s.decodeValidate(w, r, &patch) {
			return
		}
		err := s.cfg.Storage.UpdateClient(r.Context(), id, func(cur storage.Client) (storage.Client, error) {
			patch.ID = cur.ID
			patch.CreatedAt = cur.CreatedAt
			patch.EncryptedSecret = cur.EncryptedSecret
			return patch, nil
		})
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "client not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "client.update", id, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		if err := s.cfg.Storage.DeleteClient(r.Context(), id); err != nil {
			writeAPIError(w, newAPIError(errNotFound, "client not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "client.delete", id, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodePlainSecretField(r *http.Request) ([]byte, error) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return []byte(body.Secret), nil
}

func (s *Server) handleAdminPermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		perms, err := s.cfg.Storage.ListPermissions(r.Context())
		if err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		writeJSON(w, http.StatusOK, perms)
	case http.MethodPost:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var p storage.Permission
		if !s.decodeValidate(w, r, &p) {
			return
		}
		if err := s.cfg.Storage.CreatePermission(r.Context(), p); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "permission already exists"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "permission.create", p.Key, r, true, "")
		writeJSON(w, http.StatusCreated, p)
	}
}

func (s *Server) handleAdminRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		roles, err := s.cfg.Storage.ListRoles(r.Context())
		if err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		writeJSON(w, http.StatusOK, roles)
	case http.MethodPost:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var role storage.Role
		if !s.decodeValidate(w, r, &role) {
			return
		}
		if err := s.cfg.Storage.CreateRole(r.Context(), role); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "role already exists"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "role.create", role.Key, r, true, "")
		writeJSON(w, http.StatusCreated, role)
	}
}

func (s *Server) handleAdminRole(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		role, err := s.cfg.Storage.GetRole(r.Context(), key)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "role not found"))
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var patch storage.Role
		if !s.decodeValidate(w, r, &patch) {
			return
		}
		err := s.cfg.Storage.UpdateRole(r.Context(), key, func(cur storage.Role) (storage.Role, error) {
			patch.Key = cur.Key
			patch.System = cur.System
			return patch, nil
		})
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "role not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "role.update", key, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		if err := s.cfg.Storage.DeleteRole(r.Context(), key); err != nil {
			writeAPIError(w, newAPIError(errNotFound, "role not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "role.delete", key, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		groups, err := s.cfg.Storage.ListGroups(r.Context())
		if err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var group storage.Group
		if !s.decodeValidate(w, r, &group) {
			return
		}
		if err := s.cfg.Storage.CreateGroup(r.Context(), group); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "group already exists"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "group.create", group.Key, r, true, "")
		writeJSON(w, http.StatusCreated, group)
	}
}

func (s *Server) handleAdminGroup(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		group, err := s.cfg.Storage.GetGroup(r.Context(), key)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "group not found"))
			return
		}
		writeJSON(w, http.StatusOK, group)
	case http.MethodPut:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var patch storage.Group
		if !s.decodeValidate(w, r, &patch) {
			return
		}
		err := s.cfg.Storage.UpdateGroup(r.Context(), key, func(cur storage.Group) (storage.Group, error) {
			patch.Key = cur.Key
			return patch, nil
		})
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "group not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "group.update", key, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		if err := s.cfg.Storage.DeleteGroup(r.Context(), key); err != nil {
			writeAPIError(w, newAPIError(errNotFound, "group not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "group.delete", key, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminGroupMember(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	groupKey, subject := vars["key"], vars["subject"]

	switch r.Method {
	case http.MethodPut:
		if err := s.cfg.Storage.AddUserToGroup(r.Context(), groupKey, subject); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, err.Error()))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "group.member.add", groupKey+"/"+subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.cfg.Storage.RemoveUserFromGroup(r.Context(), groupKey, subject); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, err.Error()))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "group.member.remove", groupKey+"/"+subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminOrganizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		orgs, err := s.cfg.Storage.ListOrganizations(r.Context())
		if err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		writeJSON(w, http.StatusOK, orgs)
	case http.MethodPost:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		var org storage.Organization
		if !s.decodeValidate(w, r, &org) {
			return
		}
		org.CreatedAt = s.cfg.Now()
		if err := s.cfg.Storage.CreateOrganization(r.Context(), org); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "organization already exists"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "organization.create", org.ID, r, true, "")
		writeJSON(w, http.StatusCreated, org)
	}
}

func (s *Server) handleAdminOrganization(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		org, err := s.cfg.Storage.GetOrganization(r.Context(), id)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "organization not found"))
			return
		}
		writeJSON(w, http.StatusOK, org)
	case http.MethodDelete:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		if err := s.cfg.Storage.DeleteOrganization(r.Context(), id); err != nil {
			writeAPIError(w, newAPIError(errNotFound, "organization not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "organization.delete", id, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminOrganizationMembers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireAdmin(w, r, true)
	if !ok {
		return
	}
	orgID := mux.Vars(r)["id"]

	switch r.Method {
	case http.MethodPut:
		var member storage.OrganizationMember
		if !s.decodeValidate(w, r, &member) {
			return
		}
		member.OrganizationID = orgID
		member.CreatedAt = s.cfg.Now()
		if err := s.cfg.Storage.UpsertOrganizationMember(r.Context(), member); err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "organization.member.upsert", orgID+"/"+member.UserSub, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		subject := r.URL.Query().Get("subject")
		if subject == "" {
			writeAPIError(w, newAPIError(errInvalidRequest, "missing subject"))
			return
		}
		if err := s.cfg.Storage.RemoveOrganizationMember(r.Context(), orgID, subject); err != nil {
			writeAPIError(w, newAPIError(errNotFound, "membership not found"))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "organization.member.remove", orgID+"/"+subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r, false); !ok {
		return
	}
	settings, err := s.cfg.Storage.ListSettings(r.Context())
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	out := make(map[string]json.RawMessage, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireAdmin(w, r, false); !ok {
			return
		}
		raw, err := s.cfg.Storage.GetSetting(r.Context(), key)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "setting not found"))
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write(raw)
	case http.MethodPut:
		sess, ok := s.requireAdmin(w, r, true)
		if !ok {
			return
		}
		defer r.Body.Close()
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, "malformed JSON body"))
			return
		}
		if err := s.cfg.Storage.PutSetting(r.Context(), key, raw); err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		s.audit(r.Context(), storage.AuditActorAdmin, sess.Subject, "setting.put", key, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r, false); !ok {
		return
	}
	limit := 100
	events, err := s.cfg.Storage.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	writeJSON(w, http.StatusOK, events)
}
