package testutil

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) orgJSONLocked(o *fakeOrg, userID string) map[string]any {
	var role any
	for _, m := range o.Members {
		if m.UserID == userID {
			if rr := s.roleLocked(m.RoleID); rr != nil {
				role = rr.Name
			}
		}
	}
	return map[string]any{
		"id":           o.ID,
		"name":         o.Name,
		"slug":         o.Slug,
		"description":  o.Description,
		"email":        o.Email,
		"phone":        o.Phone,
		"website":      o.Website,
		"currency":     o.Currency,
		"timezone":     o.Timezone,
		"member_count": len(o.Members),
		"user_role":    role,
		"created_at":   o.Created.Format(time.RFC3339),
		"updated_at":   o.Updated.Format(time.RFC3339),
	}
}

func roleJSON(r *fakeRole) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"level":            r.Level,
		"permission_count": r.Permissions,
	}
}

func (s *Server) memberJSONLocked(m *fakeMember) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"user":       userJSON(s.users[m.UserID]),
		"role":       roleJSON(s.roleLocked(m.RoleID)),
		"is_active":  true,
		"created_at": m.Created.Format(time.RFC3339),
	}
	if m.InvitedBy != "" {
		out["invited_by"] = userJSON(s.users[m.InvitedBy])
	}
	return out
}

func (s *Server) invitationJSONLocked(inv *fakeInvitation, viewerID string) map[string]any {
	out := map[string]any{
		"id":         inv.ID,
		"email":      inv.Email,
		"role":       roleJSON(s.roleLocked(inv.RoleID)),
		"invited_by": userJSON(s.users[inv.InvitedBy]),
		"expires_at": inv.Expires.Format(time.RFC3339),
		"is_valid":   inv.Accepted == nil && time.Now().Before(inv.Expires),
		"created_at": inv.Created.Format(time.RFC3339),
	}
	if o := s.orgs[inv.OrgID]; o != nil {
		out["organization"] = s.orgJSONLocked(o, viewerID)
	}
	if inv.Accepted != nil {
		out["accepted_at"] = inv.Accepted.Format(time.RFC3339)
	}
	return out
}

// memberOrgLocked resolves the organization in the URL for the current
// user. It writes the error response and returns nil when the user may not
// see it.
func (s *Server) memberOrgLocked(w http.ResponseWriter, r *http.Request) (*fakeOrg, *fakeMember) {
	org, member := s.membershipLocked(chi.URLParam(r, "id"), currentUser(r).ID)
	if org == nil || member == nil {
		notFound(w)
		return nil, nil
	}
	return org, member
}

func (s *Server) isAdminLocked(m *fakeMember) bool {
	r := s.roleLocked(m.RoleID)
	return r != nil && r.Level >= 80
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid := currentUser(r).ID
	out := make([]map[string]any, 0)
	ids := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, m := s.membershipLocked(id, uid); m != nil {
			out = append(out, s.orgJSONLocked(s.orgs[id], uid))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type orgFields struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Website     *string `json:"website"`
	Currency    *string `json:"currency"`
	Timezone    *string `json:"timezone"`
}

func (f orgFields) apply(o *fakeOrg) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&o.Name, f.Name)
	set(&o.Description, f.Description)
	set(&o.Email, f.Email)
	set(&o.Phone, f.Phone)
	set(&o.Website, f.Website)
	set(&o.Currency, f.Currency)
	set(&o.Timezone, f.Timezone)
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req orgFields
	if !decode(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "This field is required.", "invalid",
			map[string]any{"name": []string{"This field is required."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid := currentUser(r).ID
	org := s.addOrgLocked(*req.Name, uid)
	req.apply(org)
	writeJSON(w, http.StatusCreated, s.orgJSONLocked(org, uid))
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, _ := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.orgJSONLocked(org, currentUser(r).ID))
}

func (s *Server) handlePatchOrg(w http.ResponseWriter, r *http.Request) {
	var req orgFields
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	org, member := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if !s.isAdminLocked(member) {
		permissionDenied(w)
		return
	}
	req.apply(org)
	org.Updated = time.Now().UTC()
	writeJSON(w, http.StatusOK, s.orgJSONLocked(org, currentUser(r).ID))
}

func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, member := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if member.RoleID != RoleOwner {
		permissionDenied(w)
		return
	}
	delete(s.orgs, org.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, _ := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	ids := make([]string, 0, len(org.Members))
	for id := range org.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.memberJSONLocked(org.Members[id]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoleID string `json:"role_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	org, caller := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if !s.isAdminLocked(caller) {
		permissionDenied(w)
		return
	}
	target, ok := org.Members[chi.URLParam(r, "memberID")]
	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Member not found"})
		return
	case target.RoleID == RoleOwner:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot change owner role"})
		return
	case req.RoleID == RoleOwner:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot assign owner role"})
		return
	case s.roleLocked(req.RoleID) == nil:
		writeError(w, http.StatusBadRequest, "Invalid role ID", "invalid",
			map[string]any{"role_id": []string{"Invalid role ID"}})
		return
	}
	target.RoleID = req.RoleID
	writeJSON(w, http.StatusOK, s.memberJSONLocked(target))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, caller := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if !s.isAdminLocked(caller) {
		permissionDenied(w)
		return
	}
	target, ok := org.Members[chi.URLParam(r, "memberID")]
	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Member not found"})
		return
	case target.RoleID == RoleOwner:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot remove organization owner"})
		return
	case target.UserID == caller.UserID:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot remove yourself. Transfer ownership or delete organization."})
		return
	}
	delete(org.Members, target.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		RoleID string `json:"role_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	org, caller := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if !s.isAdminLocked(caller) {
		permissionDenied(w)
		return
	}
	switch {
	case req.RoleID == RoleOwner:
		writeError(w, http.StatusBadRequest, "Cannot invite users as Owner", "invalid",
			map[string]any{"role_id": []string{"Cannot invite users as Owner"}})
		return
	case s.roleLocked(req.RoleID) == nil:
		writeError(w, http.StatusBadRequest, "Invalid role ID", "invalid",
			map[string]any{"role_id": []string{"Invalid role ID"}})
		return
	}
	if u := s.userByEmailLocked(req.Email); u != nil {
		if _, m := s.membershipLocked(org.ID, u.ID); m != nil {
			writeError(w, http.StatusBadRequest, "User is already a member of this organization.", "invalid", nil)
			return
		}
	}

	now := time.Now().UTC()
	inv := &fakeInvitation{
		ID:        s.nextIDLocked("invitation"),
		OrgID:     org.ID,
		Email:     strings.ToLower(req.Email),
		RoleID:    req.RoleID,
		InvitedBy: caller.UserID,
		Expires:   now.Add(7 * 24 * time.Hour),
		Created:   now,
	}
	inv.Token = "invite-" + inv.ID
	s.invitations[inv.Token] = inv
	writeJSON(w, http.StatusCreated, s.invitationJSONLocked(inv, caller.UserID))
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, caller := s.memberOrgLocked(w, r)
	if org == nil {
		return
	}
	if !s.isAdminLocked(caller) {
		permissionDenied(w)
		return
	}
	out := make([]map[string]any, 0)
	for _, inv := range s.invitations {
		if inv.OrgID == org.ID && inv.Accepted == nil {
			out = append(out, s.invitationJSONLocked(inv, caller.UserID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(string) < out[j]["id"].(string) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := currentUser(r)
	inv, ok := s.invitations[req.Token]
	switch {
	case !ok:
		writeError(w, http.StatusBadRequest, "Invalid invitation token.", "invalid", nil)
		return
	case inv.Accepted != nil || time.Now().After(inv.Expires):
		writeError(w, http.StatusBadRequest, "This invitation has expired or has already been used.", "invalid", nil)
		return
	case inv.Email != user.Email:
		writeError(w, http.StatusBadRequest, "This invitation was sent to a different email address.", "invalid", nil)
		return
	}
	org := s.orgs[inv.OrgID]
	if org == nil {
		notFound(w)
		return
	}
	now := time.Now().UTC()
	inv.Accepted = &now
	m := s.addMemberLocked(org, user.ID, inv.RoleID, inv.InvitedBy)
	writeJSON(w, http.StatusOK, s.memberJSONLocked(m))
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.roles))
	for i := range s.roles {
		out = append(out, roleJSON(&s.roles[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": "perm-1", "code": "organization.view", "name": "View organization", "description": "", "category": "organization"},
		{"id": "perm-2", "code": "organization.manage", "name": "Manage organization", "description": "", "category": "organization"},
		{"id": "perm-3", "code": "members.invite", "name": "Invite members", "description": "", "category": "members"},
		{"id": "perm-4", "code": "billing.view", "name": "View billing", "description": "", "category": "billing"},
	})
}

// handleProjects is a tenant-scoped resource any member may read.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": r.Header.Get(TenantHeader),
		"results":         []any{},
	})
}

// handleBilling is a tenant-scoped resource only admins may read.
func (s *Server) handleBilling(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, m := s.membershipLocked(r.Header.Get(TenantHeader), currentUser(r).ID)
	admin := m != nil && s.isAdminLocked(m)
	s.mu.Unlock()
	if !admin {
		permissionDenied(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": r.Header.Get(TenantHeader),
		"plan":            "pro",
	})
}
