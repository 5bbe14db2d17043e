// Package session implements the authentication state machine: login,
// registration, logout and the cached user profile.
//
// The manager keeps no tokens of its own. Credentials live in the
// credential store, and the state is derived from them at start (Restore)
// and kept current by the refresh coordinator's notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
)

// Dispatcher sends JSON requests through the request pipeline.
type Dispatcher interface {
	Do(ctx context.Context, method, path string, in, out any) error
}

// Store is the part of the credential store the manager needs.
type Store interface {
	LoadCredentials(ctx context.Context) (credstore.Credentials, error)
	LoadUser(ctx context.Context) (*credstore.UserProfile, error)
	SaveUser(ctx context.Context, user *credstore.UserProfile) error
	SaveLogin(ctx context.Context, creds credstore.Credentials, user *credstore.UserProfile) error
	ClearAll(ctx context.Context) error
}

// Invalidator ends the current session epoch so that an in-flight renewal
// cannot write into the next one.
type Invalidator interface {
	Invalidate()
}

// Config configures a Manager.
type Config struct {
	// Navigator is told when the session expires on its own. Optional.
	Navigator Navigator

	// Logger for structured logging.
	Logger *slog.Logger
}

// RegisterRequest is the registration form.
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
}

// RegisterResult is the server's confirmation. Registration does not sign
// the user in.
type RegisterResult struct {
	Message string                 `json:"message"`
	User    *credstore.UserProfile `json:"user"`
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	AccessToken  string                 `json:"access_token"`
	RefreshToken string                 `json:"refresh_token"`
	User         *credstore.UserProfile `json:"user"`
}

// ProfileUpdate holds the editable profile fields. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Manager is the session state machine. It is safe for concurrent use.
type Manager struct {
	api      Dispatcher
	store    Store
	sessions Invalidator
	nav      Navigator
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	user    *credstore.UserProfile
	lastErr string

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// New creates a manager in the Anonymous state. Call Restore to pick up a
// persisted session.
func New(dispatcher Dispatcher, store Store, sessions Invalidator, config Config) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		api:       dispatcher,
		store:     store,
		sessions:  sessions,
		nav:       config.Navigator,
		logger:    config.Logger,
		listeners: make(map[int]Listener),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// User returns a copy of the cached profile, or nil when signed out.
func (m *Manager) User() *credstore.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// LastError returns the message of the most recent failed operation.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// ClearError forgets the last error.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()
}

// Subscribe registers l for state changes and returns a function that
// removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Restore derives the state from the store. It runs at start and whenever
// another process changed the store.
func (m *Manager) Restore(ctx context.Context) error {
	return m.restore(ctx, ReasonRestore)
}

// Resync is Restore for changes made by another process.
func (m *Manager) Resync(ctx context.Context) error {
	return m.restore(ctx, ReasonExternalSync)
}

func (m *Manager) restore(ctx context.Context, reason string) error {
	creds, err := m.store.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	var user *credstore.UserProfile
	if !creds.IsZero() {
		if user, err = m.store.LoadUser(ctx); err != nil {
			return fmt.Errorf("load user: %w", err)
		}
	}

	m.mu.Lock()
	from := m.state
	switch {
	case creds.IsZero():
		m.state = Anonymous
		m.user = nil
	case m.state == RefreshingToken:
		// The coordinator will report the outcome.
		m.user = user
	default:
		m.state = Authenticated
		m.user = user
	}
	to := m.state
	m.mu.Unlock()

	m.emit(from, to, reason)
	return nil
}

// Register creates an account. Field errors come back as
// *api.ValidationError with the server's message.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	var out RegisterResult
	if err := m.api.Do(ctx, http.MethodPost, api.PathRegister, req, &out); err != nil {
		m.setError(api.Message(err, "Registration failed"))
		return nil, err
	}
	m.ClearError()
	return &out, nil
}

// Login signs in and persists the session. Any failure is reported as an
// *api.AuthenticationError carrying the server's generic message.
func (m *Manager) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	from := m.setState(Authenticating)
	m.emit(from, Authenticating, ReasonLogin)

	var out LoginResult
	err := m.api.Do(ctx, http.MethodPost, api.PathLogin, map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err == nil && (out.AccessToken == "" || out.RefreshToken == "") {
		err = errors.New("login response is missing tokens")
	}
	if err == nil {
		// Renewals of the previous session must not overwrite the new pair.
		m.sessions.Invalidate()
		err = m.store.SaveLogin(ctx, credstore.Credentials{
			AccessToken:  out.AccessToken,
			RefreshToken: out.RefreshToken,
		}, out.User)
	}
	if err != nil {
		msg := api.Message(err, "Login failed")
		m.setError(msg)
		if rerr := m.restore(ctx, ReasonLoginFailed); rerr != nil {
			m.logger.Warn("failed to re-derive session after login failure", "error", rerr)
			m.resetAnonymous(ReasonLoginFailed)
		}
		return nil, &api.AuthenticationError{Message: msg, Err: err}
	}

	m.mu.Lock()
	from = m.state
	m.state = Authenticated
	m.user = out.User
	m.lastErr = ""
	m.mu.Unlock()

	m.logger.Info("logged in", "user_id", userID(out.User))
	m.emit(from, Authenticated, ReasonLogin)
	return &out, nil
}

// Logout tells the server to revoke the refresh token, then tears the local
// session down. The server call is best-effort: its failure is logged and
// the local teardown happens regardless.
func (m *Manager) Logout(ctx context.Context) error {
	// Local teardown must finish even when ctx is cancelled mid-logout.
	local := context.WithoutCancel(ctx)

	creds, err := m.store.LoadCredentials(local)
	if err != nil {
		m.logger.Warn("failed to load credentials for logout", "error", err)
	}
	if creds.RefreshToken != "" {
		body := map[string]string{"refresh_token": creds.RefreshToken}
		if err := m.api.Do(ctx, http.MethodPost, api.PathLogout, body, nil); err != nil {
			m.logger.Warn("server logout failed, signing out locally", "error", err)
		}
	}

	m.sessions.Invalidate()
	clearErr := m.store.ClearAll(local)

	m.resetAnonymous(ReasonLogout)
	m.ClearError()
	m.logger.Info("logged out")

	if clearErr != nil {
		return fmt.Errorf("clear session: %w", clearErr)
	}
	return nil
}

// Profile fetches the user profile and refreshes the cached copy.
func (m *Manager) Profile(ctx context.Context) (*credstore.UserProfile, error) {
	var user credstore.UserProfile
	if err := m.api.Do(ctx, http.MethodGet, api.PathProfile, nil, &user); err != nil {
		m.setError(api.Message(err, "Failed to load profile"))
		return nil, err
	}
	if err := m.cacheUser(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateProfile changes the editable profile fields and caches the result.
func (m *Manager) UpdateProfile(ctx context.Context, update ProfileUpdate) (*credstore.UserProfile, error) {
	var user credstore.UserProfile
	if err := m.api.Do(ctx, http.MethodPatch, api.PathProfile, update, &user); err != nil {
		m.setError(api.Message(err, "Failed to update profile"))
		return nil, err
	}
	if err := m.cacheUser(ctx, &user); err != nil {
		return nil, err
	}
	m.ClearError()
	return &user, nil
}

// ChangePassword changes the password and then reloads the profile.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword, confirm string) (string, error) {
	var out messageResponse
	err := m.api.Do(ctx, http.MethodPost, api.PathChangePassword, map[string]string{
		"old_password":         oldPassword,
		"new_password":         newPassword,
		"new_password_confirm": confirm,
	}, &out)
	if err != nil {
		m.setError(api.Message(err, "Failed to change password"))
		return "", err
	}
	if _, err := m.Profile(ctx); err != nil {
		m.logger.Warn("password changed but profile reload failed", "error", err)
	}
	m.ClearError()
	return out.Message, nil
}

// VerifyEmail confirms an email address with the emailed token.
func (m *Manager) VerifyEmail(ctx context.Context, token string) (string, error) {
	return m.post(ctx, api.PathVerifyEmail, map[string]string{"token": token}, "Email verification failed")
}

// ForgotPassword requests a reset link. The server answers the same way
// whether or not the account exists.
func (m *Manager) ForgotPassword(ctx context.Context, email string) (string, error) {
	return m.post(ctx, api.PathForgotPassword, map[string]string{"email": email}, "Password reset request failed")
}

// ResetPassword sets a new password with the emailed token.
func (m *Manager) ResetPassword(ctx context.Context, token, password, confirm string) (string, error) {
	return m.post(ctx, api.PathResetPassword, map[string]string{
		"token":            token,
		"password":         password,
		"password_confirm": confirm,
	}, "Password reset failed")
}

func (m *Manager) post(ctx context.Context, path string, body any, fallback string) (string, error) {
	var out messageResponse
	if err := m.api.Do(ctx, http.MethodPost, path, body, &out); err != nil {
		m.setError(api.Message(err, fallback))
		return "", err
	}
	m.ClearError()
	return out.Message, nil
}

// RenewStarted moves an authenticated session to RefreshingToken.
func (m *Manager) RenewStarted() {
	m.mu.Lock()
	from := m.state
	if from == Authenticated {
		m.state = RefreshingToken
	}
	to := m.state
	m.mu.Unlock()
	m.emit(from, to, ReasonRenewing)
}

// RenewSucceeded returns a renewing session to Authenticated.
func (m *Manager) RenewSucceeded() {
	m.mu.Lock()
	from := m.state
	if from == RefreshingToken {
		m.state = Authenticated
	}
	to := m.state
	m.mu.Unlock()
	m.emit(from, to, ReasonRenewed)
}

// RenewFailed ends the session. The coordinator has already cleared the
// store.
func (m *Manager) RenewFailed(err error) {
	m.logger.Warn("session expired", "error", err)
	m.setError(api.ErrSessionExpired.Error())
	m.resetAnonymous(ReasonExpired)
	if m.nav != nil {
		m.nav.RedirectToLogin()
	}
}

func (m *Manager) cacheUser(ctx context.Context, user *credstore.UserProfile) error {
	if err := m.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	return nil
}

func (m *Manager) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	m.state = s
	return from
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.lastErr = msg
	m.mu.Unlock()
}

func (m *Manager) resetAnonymous(reason string) {
	m.mu.Lock()
	from := m.state
	m.state = Anonymous
	m.user = nil
	m.mu.Unlock()
	m.emit(from, Anonymous, reason)
}

func (m *Manager) emit(from, to State, reason string) {
	if from == to && reason != ReasonLogout && reason != ReasonExpired {
		return
	}
	m.listenersMu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.Unlock()

	change := Change{From: from, To: to, Reason: reason}
	for _, l := range listeners {
		l(change)
	}
}

func userID(u *credstore.UserProfile) string {
	if u == nil {
		return ""
	}
	return u.ID
}
