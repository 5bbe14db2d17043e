package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// TenantHeader is the header the fake server reads the organization from.
const TenantHeader = "X-Organization-Id"

// Role ids seeded on every server.
const (
	RoleOwner  = "role-owner"
	RoleAdmin  = "role-admin"
	RoleMember = "role-member"
	RoleViewer = "role-viewer"
)

// RecordedRequest is one request seen by the server.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
}

// Server is an in-process fake of the authentication and organization API.
// Refresh tokens rotate on every use, as the real server does.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	seq         int
	tokenSeq    int
	users       map[string]*fakeUser // by id
	access      map[string]string    // access token -> user id
	refresh     map[string]string    // refresh token -> user id
	orgs        map[string]*fakeOrg
	invitations map[string]*fakeInvitation // by token
	verifyTok   map[string]string          // token -> user id
	resetTok    map[string]string          // token -> user id
	roles       []fakeRole
	requests    []RecordedRequest

	jwtSecret []byte
	jwtTTL    time.Duration

	refreshCalls atomic.Int64
	refreshGate  chan struct{}
	failRefresh  bool
	failLogout   bool
}

type fakeUser struct {
	ID        string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Verified  bool
	Created   time.Time
}

type fakeOrg struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Email       string
	Phone       string
	Website     string
	Currency    string
	Timezone    string
	Created     time.Time
	Updated     time.Time
	Members     map[string]*fakeMember // by member id
}

type fakeMember struct {
	ID        string
	UserID    string
	RoleID    string
	InvitedBy string
	Created   time.Time
}

type fakeInvitation struct {
	ID        string
	Token     string
	OrgID     string
	Email     string
	RoleID    string
	InvitedBy string
	Expires   time.Time
	Accepted  *time.Time
	Created   time.Time
}

type fakeRole struct {
	ID          string
	Name        string
	Description string
	Level       int
	Permissions int
}

// Option configures a Server.
type Option func(*Server)

// WithJWTAccessTokens makes the server issue HS256-signed JWT access tokens
// carrying sub and exp claims instead of opaque ones.
func WithJWTAccessTokens(secret string, ttl time.Duration) Option {
	return func(s *Server) {
		s.jwtSecret = []byte(secret)
		s.jwtTTL = ttl
	}
}

// NewServer starts a fake API server that is closed when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		users:       make(map[string]*fakeUser),
		access:      make(map[string]string),
		refresh:     make(map[string]string),
		orgs:        make(map[string]*fakeOrg),
		invitations: make(map[string]*fakeInvitation),
		verifyTok:   make(map[string]string),
		resetTok:    make(map[string]string),
		roles: []fakeRole{
			{ID: RoleOwner, Name: "Owner", Description: "Full access", Level: 100, Permissions: 24},
			{ID: RoleAdmin, Name: "Admin", Description: "Manage members and settings", Level: 80, Permissions: 20},
			{ID: RoleMember, Name: "Member", Description: "Standard access", Level: 50, Permissions: 10},
			{ID: RoleViewer, Name: "Viewer", Description: "Read-only access", Level: 10, Permissions: 4},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the API root the client should be configured with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register/", s.handleRegister)
			r.Post("/login/", s.handleLogin)
			r.Post("/refresh/", s.handleRefresh)
			r.Post("/verify-email/", s.handleVerifyEmail)
			r.Post("/forgot-password/", s.handleForgotPassword)
			r.Post("/reset-password/", s.handleResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Post("/logout/", s.handleLogout)
				r.Get("/profile/", s.handleGetProfile)
				r.Patch("/profile/", s.handlePatchProfile)
				r.Post("/change-password/", s.handleChangePassword)
			})
		})

		r.Route("/organizations", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/", s.handleListOrgs)
			r.Post("/", s.handleCreateOrg)
			r.Get("/roles/", s.handleRoles)
			r.Get("/permissions/", s.handlePermissions)
			r.Post("/invitations/accept/", s.handleAcceptInvitation)
			r.Get("/{id}/", s.handleGetOrg)
			r.Patch("/{id}/", s.handlePatchOrg)
			r.Delete("/{id}/", s.handleDeleteOrg)
			r.Get("/{id}/members/", s.handleMembers)
			r.Patch("/{id}/members/{memberID}/", s.handleUpdateMember)
			r.Delete("/{id}/members/{memberID}/", s.handleRemoveMember)
			r.Post("/{id}/invite/", s.handleInvite)
			r.Get("/{id}/invitations/", s.handleInvitations)
		})

		// Tenant-scoped resources.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.tenant)
			r.Get("/projects/", s.handleProjects)
			r.Get("/billing/", s.handleBilling)
		})
	})
	return r
}

// =============================================================================
// Fixtures and knobs
// =============================================================================

// AddUser creates a verified user and returns its id.
func (s *Server) AddUser(email, password, firstName, lastName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, password, firstName, lastName, true)
}

func (s *Server) addUserLocked(email, password, firstName, lastName string, verified bool) string {
	id := s.nextIDLocked("user")
	s.users[id] = &fakeUser{
		ID:        id,
		Email:     strings.ToLower(email),
		Password:  password,
		FirstName: firstName,
		LastName:  lastName,
		Verified:  verified,
		Created:   time.Now().UTC(),
	}
	return id
}

// AddOrganization creates an organization owned by ownerID and returns its id.
func (s *Server) AddOrganization(name, ownerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addOrgLocked(name, ownerID).ID
}

func (s *Server) addOrgLocked(name, ownerID string) *fakeOrg {
	now := time.Now().UTC()
	org := &fakeOrg{
		ID:       s.nextIDLocked("org"),
		Name:     name,
		Slug:     s.slugLocked(name),
		Currency: "USD",
		Timezone: "UTC",
		Created:  now,
		Updated:  now,
		Members:  make(map[string]*fakeMember),
	}
	s.orgs[org.ID] = org
	s.addMemberLocked(org, ownerID, RoleOwner, "")
	return org
}

// AddMember adds userID to orgID with roleID.
func (s *Server) AddMember(orgID, userID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org, ok := s.orgs[orgID]; ok {
		s.addMemberLocked(org, userID, roleID, "")
	}
}

func (s *Server) addMemberLocked(org *fakeOrg, userID, roleID, invitedBy string) *fakeMember {
	m := &fakeMember{
		ID:        s.nextIDLocked("member"),
		UserID:    userID,
		RoleID:    roleID,
		InvitedBy: invitedBy,
		Created:   time.Now().UTC(),
	}
	org.Members[m.ID] = m
	return m
}

// RemoveMembership drops userID from orgID, so that the organization
// becomes unknown to that user.
func (s *Server) RemoveMembership(orgID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org, ok := s.orgs[orgID]; ok {
		for id, m := range org.Members {
			if m.UserID == userID {
				delete(org.Members, id)
			}
		}
	}
}

// ExpireAccessTokens revokes every outstanding access token. Refresh tokens
// stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.mu.Unlock()
}

// RevokeRefreshTokens revokes every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = make(map[string]string)
	s.mu.Unlock()
}

// FailRefresh makes every refresh call fail with 401.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// FailLogout makes the logout endpoint answer 500.
func (s *Server) FailLogout(fail bool) {
	s.mu.Lock()
	s.failLogout = fail
	s.mu.Unlock()
}

// HoldRefresh makes refresh calls wait until the returned release function
// is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// RefreshCalls returns how many refresh requests reached the server.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// Requests returns every request seen so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestsTo returns the requests whose path equals path under /api.
func (s *Server) RequestsTo(path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range s.Requests() {
		if r.Path == "/api"+path {
			out = append(out, r)
		}
	}
	return out
}

// IssueTokens signs userID in out of band and returns its token pair.
func (s *Server) IssueTokens(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

// ValidRefreshToken reports whether token can still be exchanged.
func (s *Server) ValidRefreshToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refresh[token]
	return ok
}

// VerificationToken returns the pending email verification token of email.
func (s *Server) VerificationToken(email string) string {
	return s.tokenFor(s.verifyTok, email)
}

// ResetToken returns the pending password reset token of email.
func (s *Server) ResetToken(email string) string {
	return s.tokenFor(s.resetTok, email)
}

// InvitationToken returns the pending invitation token sent to email.
func (s *Server) InvitationToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, inv := range s.invitations {
		if inv.Email == strings.ToLower(email) && inv.Accepted == nil {
			return tok
		}
	}
	return ""
}

func (s *Server) tokenFor(m map[string]string, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, uid := range m {
		if u := s.users[uid]; u != nil && u.Email == strings.ToLower(email) {
			return tok
		}
	}
	return ""
}

// =============================================================================
// Middleware
// =============================================================================

type ctxKey struct{}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		uid, valid := s.access[token]
		user := s.users[uid]
		s.mu.Unlock()
		if !ok || !valid || user == nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", "invalid_token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r, user)))
	})
}

func (s *Server) tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(TenantHeader)
		if orgID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": TenantHeader + " header is required"})
			return
		}
		user := currentUser(r)
		s.mu.Lock()
		_, member := s.membershipLocked(orgID, user.ID)
		s.mu.Unlock()
		if member == nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "You do not have access to this organization"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// issueLocked mints a pair. Opaque tokens are numbered t1/r1, t2/r2, ...
func (s *Server) issueLocked(userID string) (string, string) {
	s.tokenSeq++
	access := fmt.Sprintf("t%d", s.tokenSeq)
	if s.jwtSecret != nil {
		claims := jwt.RegisteredClaims{
			Subject:   userID,
			ID:        access,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtTTL)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
		if err == nil {
			access = signed
		}
	}
	refresh := fmt.Sprintf("r%d", s.tokenSeq)
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

func (s *Server) slugLocked(name string) string {
	base := strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name), "-")
	slug := base
	for n := 1; ; n++ {
		taken := false
		for _, o := range s.orgs {
			if o.Slug == slug {
				taken = true
				break
			}
		}
		if !taken {
			return slug
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

func (s *Server) membershipLocked(orgID, userID string) (*fakeOrg, *fakeMember) {
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, nil
	}
	for _, m := range org.Members {
		if m.UserID == userID {
			return org, m
		}
	}
	return org, nil
}

func (s *Server) roleLocked(id string) *fakeRole {
	for i := range s.roles {
		if s.roles[i].ID == id {
			return &s.roles[i]
		}
	}
	return nil
}

func withUser(r *http.Request, u *fakeUser) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, u)
}

func currentUser(r *http.Request) *fakeUser {
	u, _ := r.Context().Value(ctxKey{}).(*fakeUser)
	return u
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "parse_error", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string, fields map[string]any) {
	body := map[string]any{
		"message":     message,
		"code":        code,
		"status_code": status,
	}
	if fields != nil {
		body["fields"] = fields
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func permissionDenied(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "You do not have permission to perform this action", "permission_denied", nil)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "Not found.", "not_found", nil)
}
