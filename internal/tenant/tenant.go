// Package tenant manages which organization the client acts for.
//
// The selection is persisted in the credential store and attached to
// tenant-scoped requests by the dispatcher. A persisted id that no longer
// matches any organization the user can see is stale; it is cleared the
// next time the organization list is fetched, or when the server refuses
// it on a tenant-scoped request.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
)

// Dispatcher sends JSON requests through the request pipeline.
type Dispatcher interface {
	Do(ctx context.Context, method, path string, in, out any) error
}

// Store persists the selected organization id.
type Store interface {
	LoadTenant(ctx context.Context) (string, error)
	SaveTenant(ctx context.Context, orgID string) error
	ClearTenant(ctx context.Context) error
}

// Manager holds the organization list and the active organization. It is
// safe for concurrent use.
type Manager struct {
	api    Dispatcher
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	orgs    []Organization
	current *Organization
	lastErr string
}

// New creates a manager with an empty list.
func New(dispatcher Dispatcher, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:    dispatcher,
		store:  store,
		logger: logger,
	}
}

// Organizations returns a copy of the cached list.
func (m *Manager) Organizations() []Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Organization(nil), m.orgs...)
}

// Current returns the active organization, or nil.
func (m *Manager) Current() *Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	o := *m.current
	return &o
}

// Selected returns the persisted organization id, which may not have been
// resolved against the server yet.
func (m *Manager) Selected(ctx context.Context) (string, error) {
	return m.store.LoadTenant(ctx)
}

// LastError returns the message of the most recent failed operation.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// ClearError forgets the last error.
func (m *Manager) ClearError() {
	m.setError("")
}

// Reset forgets the cached list and the active organization. It is called
// when the session ends; the store has already been cleared by then.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.orgs = nil
	m.current = nil
	m.lastErr = ""
	m.mu.Unlock()
}

// ListOrganizations fetches the organizations the user belongs to and
// resolves the persisted selection against them.
func (m *Manager) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var raw json.RawMessage
	if err := m.api.Do(ctx, http.MethodGet, api.PathOrganizations, nil, &raw); err != nil {
		m.setError(api.Message(err, "Failed to fetch organizations"))
		return nil, err
	}
	orgs, err := decodeList[Organization](raw)
	if err != nil {
		m.setError("Failed to fetch organizations")
		return nil, err
	}

	saved, err := m.store.LoadTenant(ctx)
	if err != nil {
		return nil, fmt.Errorf("load selection: %w", err)
	}

	var current *Organization
	if saved != "" {
		if i := indexOf(orgs, saved); i >= 0 {
			o := orgs[i]
			current = &o
		} else {
			m.logger.Warn("selected organization no longer available, clearing selection",
				"organization_id", saved)
			if err := m.store.ClearTenant(ctx); err != nil {
				return nil, fmt.Errorf("clear stale selection: %w", err)
			}
		}
	}

	m.mu.Lock()
	m.orgs = orgs
	m.current = current
	m.lastErr = ""
	m.mu.Unlock()

	return append([]Organization(nil), orgs...), nil
}

// CreateOrganization creates an organization with the caller as owner and
// appends it to the cached list. It does not select it.
func (m *Manager) CreateOrganization(ctx context.Context, fields OrganizationFields) (*Organization, error) {
	var org Organization
	if err := m.api.Do(ctx, http.MethodPost, api.PathOrganizations, fields, &org); err != nil {
		m.setError(api.Message(err, "Failed to create organization"))
		return nil, err
	}

	m.mu.Lock()
	m.orgs = append(m.orgs, org)
	m.lastErr = ""
	m.mu.Unlock()

	return &org, nil
}

// SelectOrganization persists org as the active organization.
func (m *Manager) SelectOrganization(ctx context.Context, org Organization) error {
	if org.ID == "" {
		return fmt.Errorf("organization id is required")
	}
	if err := m.store.SaveTenant(ctx, org.ID); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}

	m.mu.Lock()
	m.current = &org
	m.mu.Unlock()

	m.logger.Debug("organization selected", "organization_id", org.ID)
	return nil
}

// SwitchOrganization selects the organization with the given id, looking
// in the cached list first and asking the server otherwise. An id the
// server cannot resolve yields an error matching api.ErrNotFound, and the
// current selection is kept.
func (m *Manager) SwitchOrganization(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	i := indexOf(m.orgs, id)
	var org Organization
	if i >= 0 {
		org = m.orgs[i]
	}
	m.mu.RUnlock()

	if i < 0 {
		if err := m.api.Do(ctx, http.MethodGet, api.OrganizationPath(id), nil, &org); err != nil {
			if unresolvable(err) {
				m.setError("Organization not found")
				return nil, fmt.Errorf("organization %s: %w", id, api.ErrNotFound)
			}
			m.setError(api.Message(err, "Failed to switch organization"))
			return nil, err
		}
	}

	if err := m.SelectOrganization(ctx, org); err != nil {
		return nil, err
	}
	return &org, nil
}

// ClearSelection drops the active organization. The session is unaffected.
func (m *Manager) ClearSelection(ctx context.Context) error {
	if err := m.store.ClearTenant(ctx); err != nil {
		return fmt.Errorf("clear selection: %w", err)
	}
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return nil
}

// UpdateOrganization changes an organization and keeps the cached list and
// the active copy consistent with the server's answer.
func (m *Manager) UpdateOrganization(ctx context.Context, id string, fields OrganizationFields) (*Organization, error) {
	var org Organization
	if err := m.api.Do(ctx, http.MethodPatch, api.OrganizationPath(id), fields, &org); err != nil {
		m.setError(api.Message(err, "Failed to update organization"))
		return nil, err
	}

	m.mu.Lock()
	if i := indexOf(m.orgs, id); i >= 0 {
		m.orgs[i] = org
	}
	if m.current != nil && m.current.ID == id {
		o := org
		m.current = &o
	}
	m.lastErr = ""
	m.mu.Unlock()

	return &org, nil
}

// DeleteOrganization deletes an organization. When it was active the
// selection is cleared.
func (m *Manager) DeleteOrganization(ctx context.Context, id string) error {
	if err := m.api.Do(ctx, http.MethodDelete, api.OrganizationPath(id), nil, nil); err != nil {
		m.setError(api.Message(err, "Failed to delete organization"))
		return err
	}
	m.forget(ctx, id)
	return nil
}

// InvalidateTenant drops orgID after the server refused it. Only a
// selection that still equals orgID is cleared, so a switch made while the
// refused request was in flight survives.
func (m *Manager) InvalidateTenant(ctx context.Context, orgID string) {
	m.forget(ctx, orgID)
	m.setError("You no longer have access to this organization")
}

func (m *Manager) forget(ctx context.Context, id string) {
	saved, err := m.store.LoadTenant(ctx)
	if err != nil {
		m.logger.Warn("failed to load selection", "error", err)
	}
	if saved == id {
		if err := m.store.ClearTenant(ctx); err != nil {
			m.logger.Warn("failed to clear selection", "organization_id", id, "error", err)
		}
	}

	m.mu.Lock()
	if i := indexOf(m.orgs, id); i >= 0 {
		m.orgs = append(m.orgs[:i:i], m.orgs[i+1:]...)
	}
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	m.mu.Unlock()
}

// Members lists the members of an organization.
func (m *Manager) Members(ctx context.Context, orgID string) ([]Member, error) {
	return list[Member](ctx, m, api.OrganizationPath(orgID, "members"), "Failed to fetch members")
}

// UpdateMemberRole changes a member's role.
func (m *Manager) UpdateMemberRole(ctx context.Context, orgID, memberID, roleID string) (*Member, error) {
	var member Member
	path := api.OrganizationPath(orgID, "members", memberID)
	if err := m.api.Do(ctx, http.MethodPatch, path, map[string]string{"role_id": roleID}, &member); err != nil {
		m.setError(api.Message(err, "Failed to update member"))
		return nil, err
	}
	return &member, nil
}

// RemoveMember removes a member from an organization.
func (m *Manager) RemoveMember(ctx context.Context, orgID, memberID string) error {
	path := api.OrganizationPath(orgID, "members", memberID)
	if err := m.api.Do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		m.setError(api.Message(err, "Failed to remove member"))
		return err
	}
	return nil
}

// InviteMember invites email to an organization with roleID.
func (m *Manager) InviteMember(ctx context.Context, orgID, email, roleID string) (*Invitation, error) {
	var inv Invitation
	body := map[string]string{"email": email, "role_id": roleID}
	if err := m.api.Do(ctx, http.MethodPost, api.OrganizationPath(orgID, "invite"), body, &inv); err != nil {
		m.setError(api.Message(err, "Failed to send invitation"))
		return nil, err
	}
	return &inv, nil
}

// Invitations lists the pending invitations of an organization.
func (m *Manager) Invitations(ctx context.Context, orgID string) ([]Invitation, error) {
	return list[Invitation](ctx, m, api.OrganizationPath(orgID, "invitations"), "Failed to fetch invitations")
}

// AcceptInvitation joins the organization an invitation token belongs to.
// The new organization shows up on the next ListOrganizations.
func (m *Manager) AcceptInvitation(ctx context.Context, token string) (*Member, error) {
	var member Member
	if err := m.api.Do(ctx, http.MethodPost, api.PathAcceptInvitation, map[string]string{"token": token}, &member); err != nil {
		m.setError(api.Message(err, "Failed to accept invitation"))
		return nil, err
	}
	return &member, nil
}

// Roles lists the assignable roles.
func (m *Manager) Roles(ctx context.Context) ([]Role, error) {
	return list[Role](ctx, m, api.PathRoles, "Failed to fetch roles")
}

// Permissions lists every permission.
func (m *Manager) Permissions(ctx context.Context) ([]Permission, error) {
	return list[Permission](ctx, m, api.PathPermissions, "Failed to fetch permissions")
}

func list[T any](ctx context.Context, m *Manager, path, fallback string) ([]T, error) {
	var raw json.RawMessage
	if err := m.api.Do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		m.setError(api.Message(err, fallback))
		return nil, err
	}
	items, err := decodeList[T](raw)
	if err != nil {
		m.setError(fallback)
		return nil, err
	}
	return items, nil
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.lastErr = msg
	m.mu.Unlock()
}

// unresolvable reports errors meaning the organization does not exist for
// this user.
func unresolvable(err error) bool {
	if errors.Is(err, api.ErrNotFound) {
		return true
	}
	var se *api.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
}

func indexOf(orgs []Organization, id string) int {
	for i := range orgs {
		if orgs[i].ID == id {
			return i
		}
	}
	return -1
}
