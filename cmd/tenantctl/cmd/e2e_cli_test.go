package cmd

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/db"
	"github.com/Dicklesworthstone/tenantctl/internal/tenant"
	"github.com/Dicklesworthstone/tenantctl/internal/testutil"
)

// =============================================================================
// E2E Tests: CLI Command Workflow Tests
// =============================================================================

const (
	adaEmail    = "ada@example.com"
	adaPassword = "correct-horse"
)

// newCLIHarness isolates TENANTCTL_HOME for one CLI test.
func newCLIHarness(t *testing.T) *testutil.TestHarness {
	t.Helper()
	h := testutil.NewHarness(t)
	h.AddCleanup(func() { _ = closeClient() })
	return h
}

// signedInAs starts a fake server with one user and signs that user in.
func signedInAs(t *testing.T, h *testutil.TestHarness, opts ...testutil.Option) (*testutil.Server, string) {
	t.Helper()
	srv := h.StartServer(opts...)
	uid := srv.AddUser(adaEmail, adaPassword, "Ada", "Lovelace")

	h.Log.SetStep("login")
	out := run(t, adaPassword+"\n", "login", "--email", adaEmail)
	if !strings.Contains(out, "Signed in as Ada Lovelace") {
		t.Fatalf("login output = %q", out)
	}
	return srv, uid
}

func TestE2E_LoginStatusLogout(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	h.Log.SetStep("status")
	out := run(t, "", "status")
	if !strings.Contains(out, "authenticated") || !strings.Contains(out, adaEmail) {
		t.Errorf("status output:\n%s", out)
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.State != "authenticated" || view.Email != adaEmail || view.Backend != "file" {
		t.Errorf("status view = %+v", view)
	}

	sessionFile := h.HomePath("data", "session.json")
	h.FileExists(sessionFile)
	h.FilePermissions(sessionFile, 0600)

	h.Log.SetStep("whoami")
	out = run(t, "", "whoami")
	if !strings.Contains(out, "Verified: yes") {
		t.Errorf("whoami output:\n%s", out)
	}

	h.Log.SetStep("logout")
	out = run(t, "", "logout")
	if strings.TrimSpace(out) != "Signed out." {
		t.Errorf("logout output = %q", out)
	}
	if got := len(srv.RequestsTo("/auth/logout/")); got != 1 {
		t.Errorf("logout requests = %d, want 1", got)
	}

	view = statusView{}
	runJSON(t, &view, "status")
	if view.State != "anonymous" || view.Email != "" {
		t.Errorf("status after logout = %+v", view)
	}
	h.FileNotContains(sessionFile, `"r1"`)
}

func TestE2E_LoginWrongPassword(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv := h.StartServer()
	srv.AddUser(adaEmail, adaPassword, "Ada", "Lovelace")

	_, _, err := captureOutput(t, "wrong-password\n", "login", "--email", adaEmail)
	if err == nil || !strings.Contains(err.Error(), "Invalid credentials") {
		t.Fatalf("login error = %v, want invalid credentials", err)
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.State != "anonymous" {
		t.Errorf("state after failed login = %q", view.State)
	}
}

func TestE2E_NotSignedIn(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	h.StartServer()

	for _, args := range [][]string{
		{"org", "list"},
		{"whoami"},
		{"refresh"},
		{"org", "members"},
	} {
		_, _, err := captureOutput(t, "", args...)
		if err == nil || !strings.Contains(err.Error(), "not signed in") {
			t.Errorf("tenantctl %s: err = %v, want not signed in", strings.Join(args, " "), err)
		}
	}
}

func TestE2E_OrgWorkflow(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	h.Log.SetStep("empty_list")
	out := run(t, "", "org", "list")
	if !strings.Contains(out, "do not belong to any organization") {
		t.Errorf("empty list output = %q", out)
	}

	h.Log.SetStep("create")
	var org tenant.Organization
	runJSON(t, &org, "org", "create", "Acme Inc", "--timezone", "Europe/London", "--select")
	if org.ID == "" || org.Name != "Acme Inc" || org.Timezone != "Europe/London" {
		t.Fatalf("created org = %+v", org)
	}

	h.Log.SetStep("list")
	var orgs []tenant.Organization
	runJSON(t, &orgs, "org", "list")
	if len(orgs) != 1 || orgs[0].ID != org.ID {
		t.Fatalf("org list = %+v", orgs)
	}
	out = run(t, "", "org", "list")
	if !strings.Contains(out, "*") || !strings.Contains(out, "Acme Inc") {
		t.Errorf("list should mark the active org:\n%s", out)
	}

	h.Log.SetStep("scoped_request")
	out = run(t, "", "request", "GET", "/projects/")
	if !strings.Contains(out, org.ID) {
		t.Errorf("projects response = %q", out)
	}
	reqs := srv.RequestsTo("/projects/")
	if len(reqs) != 1 || reqs[0].Header.Get(testutil.TenantHeader) != org.ID {
		t.Errorf("projects requests = %+v", reqs)
	}
	run(t, "", "request", "GET", "/auth/profile/")
	for _, r := range srv.RequestsTo("/auth/profile/") {
		if r.Header.Get(testutil.TenantHeader) != "" {
			t.Error("tenant header sent to an account endpoint")
		}
	}

	h.Log.SetStep("members")
	out = run(t, "", "org", "members")
	if !strings.Contains(out, adaEmail) || !strings.Contains(out, "Owner") {
		t.Errorf("members output:\n%s", out)
	}

	out = run(t, "", "org", "roles")
	for _, role := range []string{"Owner", "Admin", "Member", "Viewer"} {
		if !strings.Contains(out, role) {
			t.Errorf("roles output missing %s:\n%s", role, out)
		}
	}
	out = run(t, "", "org", "permissions")
	if !strings.Contains(out, "members.invite") {
		t.Errorf("permissions output:\n%s", out)
	}

	h.Log.SetStep("invite")
	out = run(t, "", "org", "invite", "bob@example.com", "--role", testutil.RoleMember)
	if !strings.Contains(out, "Invited bob@example.com as Member") {
		t.Errorf("invite output = %q", out)
	}
	out = run(t, "", "org", "invitations")
	if !strings.Contains(out, "bob@example.com") {
		t.Errorf("invitations output:\n%s", out)
	}
	if _, _, err := captureOutput(t, "", "org", "invite", "carol@example.com"); err == nil {
		t.Error("invite without --role should fail")
	}

	h.Log.SetStep("update")
	out = run(t, "", "org", "update", org.ID, "--name", "Acme Corp")
	if strings.TrimSpace(out) != "Updated Acme Corp" {
		t.Errorf("update output = %q", out)
	}
	if _, _, err := captureOutput(t, "", "org", "update", org.ID); err == nil {
		t.Error("update without fields should fail")
	}

	h.Log.SetStep("clear")
	out = run(t, "", "org", "clear")
	if strings.TrimSpace(out) != "No active organization." {
		t.Errorf("clear output = %q", out)
	}
	if _, _, err := captureOutput(t, "", "org", "members"); err == nil || !strings.Contains(err.Error(), "no active organization") {
		t.Errorf("members without active org: err = %v", err)
	}
	out = run(t, "", "org", "members", "--org", org.ID)
	if !strings.Contains(out, adaEmail) {
		t.Errorf("members --org output:\n%s", out)
	}

	h.Log.SetStep("switch")
	out = run(t, "", "org", "switch", org.ID)
	if !strings.Contains(out, "Active organization: Acme Corp") {
		t.Errorf("switch output = %q", out)
	}
	if _, _, err := captureOutput(t, "", "org", "select", "org-404"); err == nil {
		t.Error("selecting an unknown org should fail")
	}
	out = run(t, "", "org", "select", org.ID)
	if !strings.Contains(out, org.ID) {
		t.Errorf("select output = %q", out)
	}

	h.Log.SetStep("delete")
	out = run(t, "n\n", "org", "delete", org.ID)
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("delete without confirmation = %q", out)
	}
	run(t, "", "org", "delete", org.ID, "--yes")
	runJSON(t, &orgs, "org", "list")
	if len(orgs) != 0 {
		t.Errorf("orgs after delete = %+v", orgs)
	}
}

func TestE2E_AcceptInvitation(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv := h.StartServer()
	owner := srv.AddUser("owner@example.com", "owner-password", "Olive", "Owner")
	srv.AddUser(adaEmail, adaPassword, "Ada", "Lovelace")
	orgID := srv.AddOrganization("Initech", owner)

	run(t, "owner-password\n", "login", "--email", "owner@example.com")
	run(t, "", "org", "invite", adaEmail, "--role", testutil.RoleViewer, "--org", orgID)
	run(t, "", "logout")

	run(t, adaPassword+"\n", "login", "--email", adaEmail)
	out := run(t, "", "org", "accept", srv.InvitationToken(adaEmail))
	if !strings.Contains(out, "Joined as Viewer") {
		t.Errorf("accept output = %q", out)
	}
	var orgs []tenant.Organization
	runJSON(t, &orgs, "org", "list")
	if len(orgs) != 1 || orgs[0].ID != orgID {
		t.Errorf("orgs after accepting = %+v", orgs)
	}
}

func TestE2E_StaleOrganizationCleared(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, uid := signedInAs(t, h)

	var org tenant.Organization
	runJSON(t, &org, "org", "create", "Globex", "--select")

	srv.RemoveMembership(org.ID, uid)
	if _, _, err := captureOutput(t, "", "request", "GET", "/projects/"); err == nil {
		t.Fatal("request to a revoked organization should fail")
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.OrganizationID != "" {
		t.Errorf("stale organization %q still selected", view.OrganizationID)
	}
}

func TestE2E_RequestRenewsExpiredToken(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	srv.ExpireAccessTokens()
	out := run(t, "", "request", "GET", "/auth/profile/", "--include")
	if !strings.HasPrefix(out, "200 OK") || !strings.Contains(out, adaEmail) {
		t.Errorf("request output:\n%s", out)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestE2E_RequestReportsServerErrors(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	signedInAs(t, h)

	out, _, err := captureOutput(t, "", "request", "GET", "/projects/")
	if err == nil {
		t.Fatal("tenant-scoped request without an organization should fail")
	}
	if !strings.Contains(out, "header is required") {
		t.Errorf("error body not printed: %q", out)
	}

	if _, _, err := captureOutput(t, "", "request", "FETCH", "/projects/"); err == nil {
		t.Error("unknown method should fail")
	}
	if _, _, err := captureOutput(t, "", "request", "POST", "/organizations/", "--data", "{oops"); err == nil {
		t.Error("invalid JSON body should fail")
	}

	out = run(t, "", "request", "post", "organizations/", "--data", `{"name":"Hooli"}`)
	if !strings.Contains(out, `"name": "Hooli"`) {
		t.Errorf("create via request output:\n%s", out)
	}
}

func TestE2E_FailedRenewalEndsSession(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()

	_, stderr, err := captureOutput(t, "", "whoami")
	if err == nil || !strings.Contains(err.Error(), "session expired") {
		t.Fatalf("whoami error = %v, want session expired", err)
	}
	if !strings.Contains(stderr, "Run 'tenantctl login'") {
		t.Errorf("expected login hint on stderr, got %q", stderr)
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.State != "anonymous" {
		t.Errorf("state after failed renewal = %q", view.State)
	}

	var events []db.Event
	runJSON(t, &events, "history", "--type", db.EventRefreshFailed)
	if len(events) != 1 {
		t.Errorf("refresh_failed events = %d, want 1", len(events))
	}
}

func TestE2E_RefreshCommand(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	out := run(t, "", "refresh")
	if strings.TrimSpace(out) != "Session renewed." {
		t.Errorf("refresh output = %q", out)
	}
	if srv.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d, want 1", srv.RefreshCalls())
	}

	// Opaque tokens carry no expiry to compare against.
	if _, _, err := captureOutput(t, "", "refresh", "--if-expiring"); err == nil {
		t.Error("--if-expiring with an opaque token should fail")
	}
}

func TestE2E_RefreshIfExpiring(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h, testutil.WithJWTAccessTokens("secret", time.Hour))

	out := run(t, "", "refresh", "--if-expiring")
	if !strings.Contains(out, "Session is fresh") {
		t.Errorf("refresh --if-expiring output = %q", out)
	}
	if srv.RefreshCalls() != 0 {
		t.Errorf("fresh session should not be renewed, refresh calls = %d", srv.RefreshCalls())
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.TokenExpiresAt == nil || time.Until(*view.TokenExpiresAt) < 50*time.Minute {
		t.Errorf("status token expiry = %v", view.TokenExpiresAt)
	}
}

func TestE2E_RegisterVerifyLogin(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv := h.StartServer()

	out := run(t, "long-password\nlong-password\n", "register", "--email", "grace@example.com", "--first-name", "Grace")
	if !strings.Contains(out, "Registration successful") {
		t.Errorf("register output = %q", out)
	}

	_, _, err := captureOutput(t, "long-password\nother-password\n", "register", "--email", "gh@example.com")
	if err == nil || !strings.Contains(err.Error(), "Passwords do not match") {
		t.Errorf("mismatched register error = %v", err)
	}

	out = run(t, "", "verify-email", srv.VerificationToken("grace@example.com"))
	if !strings.Contains(out, "Email verified") {
		t.Errorf("verify-email output = %q", out)
	}

	out = run(t, "long-password\n", "login", "--email", "grace@example.com")
	if !strings.Contains(out, "Signed in as Grace") {
		t.Errorf("login output = %q", out)
	}
}

func TestE2E_PasswordLifecycle(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	srv, _ := signedInAs(t, h)

	h.Log.SetStep("change")
	out := run(t, adaPassword+"\nnew-password\nnew-password\n", "password", "change")
	if out == "" {
		t.Error("password change printed nothing")
	}

	h.Log.SetStep("forgot")
	run(t, "", "logout")
	out = run(t, "", "password", "forgot", adaEmail)
	if !strings.Contains(out, "password reset link") {
		t.Errorf("forgot output = %q", out)
	}

	h.Log.SetStep("reset")
	token := srv.ResetToken(adaEmail)
	if token == "" {
		t.Fatal("no reset token issued")
	}
	run(t, "reset-password\nreset-password\n", "password", "reset", token)

	out = run(t, "reset-password\n", "login", "--email", adaEmail)
	if !strings.Contains(out, "Signed in as") {
		t.Errorf("login with reset password = %q", out)
	}
}

func TestE2E_ProfileUpdate(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	signedInAs(t, h)

	out := run(t, "", "profile", "update", "--first-name", "Augusta")
	if strings.TrimSpace(out) != "Profile updated: Augusta Lovelace" {
		t.Errorf("profile update output = %q", out)
	}
	if _, _, err := captureOutput(t, "", "profile", "update"); err == nil {
		t.Error("profile update without flags should fail")
	}

	var view statusView
	runJSON(t, &view, "status")
	if view.Name != "Augusta Lovelace" {
		t.Errorf("cached name = %q", view.Name)
	}
}

func TestE2E_History(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	signedInAs(t, h)

	var org tenant.Organization
	runJSON(t, &org, "org", "create", "Umbrella", "--select")
	run(t, "", "logout")

	var events []db.Event
	runJSON(t, &events, "history")
	types := make(map[string]bool)
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{db.EventLogin, db.EventTenantSelect, db.EventLogout} {
		if !types[want] {
			t.Errorf("history missing %s event: %+v", want, events)
		}
	}

	out := run(t, "", "history", "-n", "1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "TIMESTAMP") {
		t.Errorf("history -n 1 output:\n%s", out)
	}

	out = run(t, "", "history", "--type", "nothing_like_this")
	if strings.TrimSpace(out) != "No events recorded." {
		t.Errorf("filtered history = %q", out)
	}
}

func TestE2E_SealedStore(t *testing.T) {
	h := newCLIHarness(t)
	defer h.Close()
	h.SetEnv("TENANTCTL_PASSPHRASE", "hunter2hunter2")
	srv, _ := signedInAs(t, h)

	sessionFile := h.HomePath("data", "session.json")
	data, err := os.ReadFile(sessionFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"t1", "r1", adaEmail} {
		if strings.Contains(string(data), `"`+secret+`"`) {
			t.Errorf("session file stores %q in the clear", secret)
		}
	}

	// The sealed session still drives requests.
	run(t, "", "whoami")
	if len(srv.RequestsTo("/auth/profile/")) != 1 {
		t.Error("whoami did not reach the server")
	}

	h.SetEnv("TENANTCTL_PASSPHRASE", "wrong-passphrase")
	if _, _, err := captureOutput(t, "", "whoami"); err == nil {
		t.Error("a wrong passphrase should not open the session")
	}
}
