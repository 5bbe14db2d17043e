package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/Dicklesworthstone/tenantctl/internal/db"
	"github.com/Dicklesworthstone/tenantctl/internal/session"
)

// recorder writes session activity to the local history. Write failures are
// logged and never surface to the operation that caused them.
type recorder struct {
	log    db.EventLogger
	logger *slog.Logger
	user   func() *credstore.UserProfile
}

func (r *recorder) record(eventType, orgID string, details map[string]any) {
	if r == nil || r.log == nil {
		return
	}
	subject := ""
	if u := r.user(); u != nil {
		subject = u.Email
	}
	err := r.log.LogEvent(db.Event{
		Timestamp:      time.Now(),
		Type:           eventType,
		Subject:        subject,
		OrganizationID: orgID,
		Details:        details,
	})
	if err != nil {
		r.logger.Warn("failed to record activity", "type", eventType, "error", err)
	}
}

// onSessionChange records sign-in and sign-out.
func (r *recorder) onSessionChange(ch session.Change) {
	switch {
	case ch.Reason == session.ReasonLogin && ch.To == session.Authenticated:
		r.record(db.EventLogin, "", nil)
	case ch.Reason == session.ReasonLogout:
		r.record(db.EventLogout, "", nil)
	}
}

// RenewStarted implements refresh.Observer.
func (r *recorder) RenewStarted() {}

// RenewSucceeded implements refresh.Observer.
func (r *recorder) RenewSucceeded() {
	r.record(db.EventRefresh, "", nil)
}

// RenewFailed implements refresh.Observer.
func (r *recorder) RenewFailed(err error) {
	r.record(db.EventRefreshFailed, "", map[string]any{"error": err.Error()})
}

// tenantStore records selection changes on their way to the credential
// store.
type tenantStore struct {
	*credstore.Store
	rec *recorder
}

func (s tenantStore) SaveTenant(ctx context.Context, orgID string) error {
	if err := s.Store.SaveTenant(ctx, orgID); err != nil {
		return err
	}
	s.rec.record(db.EventTenantSelect, orgID, nil)
	return nil
}

func (s tenantStore) ClearTenant(ctx context.Context) error {
	orgID, _ := s.Store.LoadTenant(ctx)
	if err := s.Store.ClearTenant(ctx); err != nil {
		return err
	}
	if orgID != "" {
		s.rec.record(db.EventTenantClear, orgID, nil)
	}
	return nil
}
