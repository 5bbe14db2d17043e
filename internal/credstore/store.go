// Package credstore persists the client session: the access/refresh token
// pair, the cached user record and the selected organization id.
//
// Every entry lives under its own key so that each can be cleared on its own,
// while the token pair is always written and read as a single unit. The
// store treats all values as opaque; it never inspects token contents.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Keys under which the session entries are persisted.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyTenant       = "current_organization_id"
)

// AllKeys lists every key owned by the store.
var AllKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyTenant}

// Backend is a durable key-value store.
//
// Get returns only the keys that exist. Set and Delete must apply all of
// their keys atomically with respect to concurrent Get calls.
type Backend interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Credentials is the access/refresh token pair.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether the pair is absent. A pair with only one half set
// counts as absent.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" || c.RefreshToken == ""
}

// UserProfile is the cached record of the signed-in user.
type UserProfile struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// DisplayName returns the user's full name, falling back to the email.
func (u *UserProfile) DisplayName() string {
	if u == nil {
		return ""
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Email
	}
}

// Store is the typed view over a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps a backend. A nil logger uses slog.Default().
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// LoadCredentials returns the stored token pair, or a zero value when the
// pair is absent or incomplete.
func (s *Store) LoadCredentials(ctx context.Context) (Credentials, error) {
	vals, err := s.backend.Get(ctx, KeyAccessToken, KeyRefreshToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	creds := Credentials{
		AccessToken:  vals[KeyAccessToken],
		RefreshToken: vals[KeyRefreshToken],
	}
	if creds.IsZero() {
		return Credentials{}, nil
	}
	return creds, nil
}

// SaveCredentials replaces the token pair in one write.
func (s *Store) SaveCredentials(ctx context.Context, creds Credentials) error {
	if creds.IsZero() {
		return fmt.Errorf("save credentials: both tokens are required")
	}
	err := s.backend.Set(ctx, map[string]string{
		KeyAccessToken:  creds.AccessToken,
		KeyRefreshToken: creds.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// ClearCredentials removes both tokens.
func (s *Store) ClearCredentials(ctx context.Context) error {
	if err := s.backend.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// LoadUser returns the cached user, or nil when none is stored. A record
// that no longer decodes is logged and reported as absent.
func (s *Store) LoadUser(ctx context.Context) (*UserProfile, error) {
	vals, err := s.backend.Get(ctx, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	raw, ok := vals[KeyUser]
	if !ok || raw == "" {
		return nil, nil
	}
	var user UserProfile
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Warn("cached user record corrupted, ignoring", "error", err)
		return nil, nil
	}
	return &user, nil
}

// SaveUser caches the user record.
func (s *Store) SaveUser(ctx context.Context, user *UserProfile) error {
	if user == nil {
		return s.ClearUser(ctx)
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.backend.Set(ctx, map[string]string{KeyUser: string(data)}); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// ClearUser removes the cached user record.
func (s *Store) ClearUser(ctx context.Context) error {
	if err := s.backend.Delete(ctx, KeyUser); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	return nil
}

// LoadTenant returns the selected organization id, or "" when none is set.
func (s *Store) LoadTenant(ctx context.Context) (string, error) {
	vals, err := s.backend.Get(ctx, KeyTenant)
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	return vals[KeyTenant], nil
}

// SaveTenant persists the selected organization id.
func (s *Store) SaveTenant(ctx context.Context, orgID string) error {
	if orgID == "" {
		return s.ClearTenant(ctx)
	}
	if err := s.backend.Set(ctx, map[string]string{KeyTenant: orgID}); err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

// ClearTenant removes the selected organization id.
func (s *Store) ClearTenant(ctx context.Context) error {
	if err := s.backend.Delete(ctx, KeyTenant); err != nil {
		return fmt.Errorf("clear tenant: %w", err)
	}
	return nil
}

// SaveLogin stores a fresh token pair together with its user record.
func (s *Store) SaveLogin(ctx context.Context, creds Credentials, user *UserProfile) error {
	if creds.IsZero() {
		return fmt.Errorf("save login: both tokens are required")
	}
	values := map[string]string{
		KeyAccessToken:  creds.AccessToken,
		KeyRefreshToken: creds.RefreshToken,
	}
	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		values[KeyUser] = string(data)
	}
	if err := s.backend.Set(ctx, values); err != nil {
		return fmt.Errorf("save login: %w", err)
	}
	return nil
}

// ClearAll removes all four entries in one operation.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.backend.Delete(ctx, AllKeys...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
