package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/Dicklesworthstone/tenantctl/internal/testutil"
)

type fixture struct {
	srv   *testutil.Server
	store *credstore.Store
	m     *Manager
	uid   string
}

// newFixture signs a user into a fake server and wires a manager to it
// through the dispatcher.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testutil.NewServer(t)
	uid := srv.AddUser("ada@example.com", "pw", "Ada", "Lovelace")

	store := credstore.New(credstore.NewFileBackend(filepath.Join(t.TempDir(), "session.json"), nil), nil)
	t.Cleanup(func() { _ = store.Close() })
	access, refresh := srv.IssueTokens(uid)
	require.NoError(t, store.SaveCredentials(context.Background(),
		credstore.Credentials{AccessToken: access, RefreshToken: refresh}))

	client, err := api.New(api.Config{BaseURL: srv.BaseURL()})
	require.NoError(t, err)
	m := New(client, store, nil)
	client.UseRequest(api.BearerStage(store), api.TenantStage(store, ""))
	client.UseResponse(api.StaleTenantStage(m, nil))

	return &fixture{srv: srv, store: store, m: m, uid: uid}
}

func (f *fixture) selected(t *testing.T) string {
	t.Helper()
	id, err := f.m.Selected(context.Background())
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string { return &s }

func TestListOrganizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orgs, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	assert.Empty(t, orgs)

	other := f.srv.AddUser("bob@example.com", "pw", "Bob", "")
	acme := f.srv.AddOrganization("Acme", f.uid)
	f.srv.AddOrganization("Hidden", other)

	orgs, err = f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, acme, orgs[0].ID)
	assert.Equal(t, "Owner", orgs[0].UserRole)
	assert.Equal(t, 1, orgs[0].MemberCount)
	assert.Nil(t, f.m.Current())
	assert.Equal(t, orgs, f.m.Organizations())
}

func TestListOrganizations_ResolvesSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	require.NoError(t, f.store.SaveTenant(ctx, acme))

	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.m.Current())
	assert.Equal(t, "Acme", f.m.Current().Name)
}

func TestListOrganizations_ClearsStaleSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.AddOrganization("Acme", f.uid)
	require.NoError(t, f.store.SaveTenant(ctx, "org-gone"))

	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	assert.Nil(t, f.m.Current())
	assert.Empty(t, f.selected(t))
}

func TestCreateAndSelect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	org, err := f.m.CreateOrganization(ctx, OrganizationFields{
		Name:     strPtr("Acme Inc"),
		Timezone: strPtr("Europe/London"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", org.Name)
	assert.Equal(t, "acme-inc", org.Slug)
	assert.Equal(t, "Europe/London", org.Timezone)
	assert.Len(t, f.m.Organizations(), 1)
	assert.Nil(t, f.m.Current(), "creating does not select")

	require.NoError(t, f.m.SelectOrganization(ctx, *org))
	assert.Equal(t, org.ID, f.selected(t))
	assert.Equal(t, org.ID, f.m.Current().ID)

	assert.Error(t, f.m.SelectOrganization(ctx, Organization{}))
}

func TestCreateOrganization_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CreateOrganization(context.Background(), OrganizationFields{})
	var ve *api.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, f.m.LastError())

	f.m.ClearError()
	assert.Empty(t, f.m.LastError())
}

func TestTenantHeaderFollowsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)

	_, err := f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	var out map[string]any
	client := f.m.api.(*api.Client)
	require.NoError(t, client.Do(ctx, "GET", "/projects/", nil, &out))
	assert.Equal(t, acme, out["organization_id"])

	// Account and organization-management calls never carry the header.
	for _, r := range f.srv.RequestsTo("/organizations/" + acme + "/") {
		assert.Empty(t, r.Header.Get(testutil.TenantHeader))
	}
	reqs := f.srv.RequestsTo("/projects/")
	require.Len(t, reqs, 1)
	assert.Equal(t, acme, reqs[0].Header.Get(testutil.TenantHeader))
}

func TestSwitchOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	globex := f.srv.AddOrganization("Globex", f.uid)

	// Not cached: resolved through the server.
	org, err := f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)
	assert.Len(t, f.srv.RequestsTo("/organizations/"+acme+"/"), 1)

	// Cached: no extra request.
	_, err = f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	org, err = f.m.SwitchOrganization(ctx, globex)
	require.NoError(t, err)
	assert.Equal(t, "Globex", org.Name)
	assert.Empty(t, f.srv.RequestsTo("/organizations/"+globex+"/"))
	assert.Equal(t, globex, f.selected(t))
}

func TestSwitchOrganization_UnknownKeepsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	_, err := f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	_, err = f.m.SwitchOrganization(ctx, "org-404")
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Equal(t, "Organization not found", f.m.LastError())
	assert.Equal(t, acme, f.selected(t))
	assert.Equal(t, acme, f.m.Current().ID)
}

func TestClearSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	_, err := f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	require.NoError(t, f.m.ClearSelection(ctx))
	assert.Nil(t, f.m.Current())
	assert.Empty(t, f.selected(t))

	creds, err := f.store.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.False(t, creds.IsZero(), "clearing the organization keeps the session")
}

func TestUpdateOrganization_RefreshesCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	_, err = f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	org, err := f.m.UpdateOrganization(ctx, acme, OrganizationFields{Name: strPtr("Acme Corp")})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", org.Name)
	assert.Equal(t, "Acme Corp", f.m.Current().Name)
	assert.Equal(t, "Acme Corp", f.m.Organizations()[0].Name)
}

func TestDeleteOrganization_ClearsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	globex := f.srv.AddOrganization("Globex", f.uid)
	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	_, err = f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteOrganization(ctx, globex))
	assert.Equal(t, acme, f.selected(t), "deleting another org keeps the selection")
	assert.Len(t, f.m.Organizations(), 1)

	require.NoError(t, f.m.DeleteOrganization(ctx, acme))
	assert.Empty(t, f.selected(t))
	assert.Nil(t, f.m.Current())
	assert.Empty(t, f.m.Organizations())
}

func TestDeleteOrganization_NotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.srv.AddUser("bob@example.com", "pw", "Bob", "")
	acme := f.srv.AddOrganization("Acme", owner)
	f.srv.AddMember(acme, f.uid, testutil.RoleMember)

	err := f.m.DeleteOrganization(ctx, acme)
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "permission_denied", se.Code)
	assert.Equal(t, "You do not have permission to perform this action", f.m.LastError())
}

func TestStaleTenantRefusedByServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	_, err = f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	f.srv.RemoveMembership(acme, f.uid)

	client := f.m.api.(*api.Client)
	err = client.Do(ctx, "GET", "/projects/", nil, nil)
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.StatusCode)

	assert.Empty(t, f.selected(t))
	assert.Nil(t, f.m.Current())
	assert.Empty(t, f.m.Organizations())
	assert.Equal(t, "You no longer have access to this organization", f.m.LastError())
}

func TestInvalidateTenant_KeepsNewerSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTenant(ctx, "org-new"))

	f.m.InvalidateTenant(ctx, "org-old")
	assert.Equal(t, "org-new", f.selected(t))
}

func TestMembersAndInvitations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	bob := f.srv.AddUser("bob@example.com", "pw", "Bob", "Builder")
	f.srv.AddMember(acme, bob, testutil.RoleViewer)

	members, err := f.m.Members(ctx, acme)
	require.NoError(t, err)
	require.Len(t, members, 2)

	var bobMember Member
	for _, m := range members {
		if m.User.Email == "bob@example.com" {
			bobMember = m
		}
	}
	require.NotEmpty(t, bobMember.ID)
	assert.Equal(t, "Viewer", bobMember.Role.Name)

	updated, err := f.m.UpdateMemberRole(ctx, acme, bobMember.ID, testutil.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "Admin", updated.Role.Name)

	_, err = f.m.UpdateMemberRole(ctx, acme, bobMember.ID, testutil.RoleOwner)
	require.Error(t, err)
	assert.Equal(t, "Cannot assign owner role", f.m.LastError())

	require.NoError(t, f.m.RemoveMember(ctx, acme, bobMember.ID))
	members, err = f.m.Members(ctx, acme)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	inv, err := f.m.InviteMember(ctx, acme, "carol@example.com", testutil.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", inv.Email)
	assert.Equal(t, "Member", inv.Role.Name)
	assert.True(t, inv.ExpiresAt.After(inv.CreatedAt))

	_, err = f.m.InviteMember(ctx, acme, "dave@example.com", testutil.RoleOwner)
	var ve *api.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Cannot invite users as Owner", f.m.LastError())

	invs, err := f.m.Invitations(ctx, acme)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "carol@example.com", invs[0].Email)
}

func TestAcceptInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.srv.AddUser("bob@example.com", "pw", "Bob", "")
	acme := f.srv.AddOrganization("Acme", owner)

	// Bob invites Ada through the server directly.
	access, _ := f.srv.IssueTokens(owner)
	bobClient, err := api.New(api.Config{BaseURL: f.srv.BaseURL()})
	require.NoError(t, err)
	bobClient.UseRequest(func(_ context.Context, req *api.Request) error {
		req.Header.Set("Authorization", "Bearer "+access)
		return nil
	})
	_, err = New(bobClient, f.store, nil).InviteMember(ctx, acme, "ada@example.com", testutil.RoleMember)
	require.NoError(t, err)

	member, err := f.m.AcceptInvitation(ctx, f.srv.InvitationToken("ada@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "Member", member.Role.Name)

	orgs, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, acme, orgs[0].ID)

	_, err = f.m.AcceptInvitation(ctx, "invite-bogus")
	require.Error(t, err)
	assert.Equal(t, "Invalid invitation token.", f.m.LastError())
}

func TestRolesAndPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	roles, err := f.m.Roles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 4)
	assert.Equal(t, "Owner", roles[0].Name)
	assert.Equal(t, 100, roles[0].Level)

	perms, err := f.m.Permissions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, perms)
	var codes []string
	for _, p := range perms {
		codes = append(codes, p.Code)
	}
	assert.Contains(t, codes, "members.invite")
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.srv.AddOrganization("Acme", f.uid)
	_, err := f.m.ListOrganizations(ctx)
	require.NoError(t, err)
	_, err = f.m.SwitchOrganization(ctx, acme)
	require.NoError(t, err)

	f.m.Reset()
	assert.Empty(t, f.m.Organizations())
	assert.Nil(t, f.m.Current())
	assert.Empty(t, f.m.LastError())
}

func TestDecodeList(t *testing.T) {
	items, err := decodeList[Role](json.RawMessage(`[{"id":"a"},{"id":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = decodeList[Role](json.RawMessage(`{"count":1,"results":[{"id":"a"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	_, err = decodeList[Role](json.RawMessage(`"nope"`))
	assert.Error(t, err)
}

// errDispatcher fails every call.
type errDispatcher struct{ err error }

func (d errDispatcher) Do(context.Context, string, string, any, any) error { return d.err }

func TestFallbackMessages(t *testing.T) {
	store := credstore.New(credstore.NewFileBackend(filepath.Join(t.TempDir(), "session.json"), nil), nil)
	defer store.Close()
	m := New(errDispatcher{err: errors.New("connection refused")}, store, nil)
	ctx := context.Background()

	_, err := m.ListOrganizations(ctx)
	require.Error(t, err)
	assert.Equal(t, "Failed to fetch organizations", m.LastError())

	_, err = m.Members(ctx, "org-1")
	require.Error(t, err)
	assert.Equal(t, "Failed to fetch members", m.LastError())

	_, err = m.SwitchOrganization(ctx, "org-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, api.ErrNotFound)
	assert.Equal(t, "Failed to switch organization", m.LastError())
}
