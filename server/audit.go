package server

import (
	"context"
	"net/http"

	"github.com/darkauth/idp/storage"
)

// audit records e as an AuditEvent. Handlers call it after a successful
// mutation or login; the only failures recorded are failed login finishes
// and failed TOTP confirmations, and a mutation that fails is not audited.
// A failure to write the event is logged but never blocks the response,
// since the caller has already decided the outcome of the request.
func (s *Server) audit(ctx context.Context, actorType storage.AuditActorType, actorSub, action, target string, r *http.Request, success bool, detail string) {
	event := storage.AuditEvent{
		ID:        storage.NewID(16),
		At:        s.cfg.Now(),
		ActorType: actorType,
		ActorSub:  actorSub,
		Action:    action,
		Target:    target,
		IP:        clientKey(r),
		Success:   success,
		Detail:    detail,
	}
	if err := s.cfg.Storage.WriteAuditEvent(ctx, event); err != nil {
		s.cfg.Logger.ErrorContext(ctx, "write audit event failed", "action", action, "err", err)
	}
}
