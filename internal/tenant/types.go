package tenant

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
)

// Organization is a tenant the user belongs to.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Website     string    `json:"website,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	MemberCount int       `json:"member_count"`
	UserRole    string    `json:"user_role,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OrganizationFields are the writable organization fields. Nil fields are
// not sent.
type OrganizationFields struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Website     *string `json:"website,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
}

// Role is a named permission level.
type Role struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Level           int    `json:"level"`
	PermissionCount int    `json:"permission_count"`
}

// Permission is one grantable capability.
type Permission struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Member is a user's membership in an organization.
type Member struct {
	ID        string                 `json:"id"`
	User      credstore.UserProfile  `json:"user"`
	Role      Role                   `json:"role"`
	InvitedBy *credstore.UserProfile `json:"invited_by,omitempty"`
	InvitedAt *time.Time             `json:"invited_at,omitempty"`
	IsActive  bool                   `json:"is_active"`
	CreatedAt time.Time              `json:"created_at"`
}

// Invitation is a pending invitation to join an organization.
type Invitation struct {
	ID           string                 `json:"id"`
	Organization *Organization          `json:"organization,omitempty"`
	Email        string                 `json:"email"`
	Role         Role                   `json:"role"`
	InvitedBy    *credstore.UserProfile `json:"invited_by,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
	AcceptedAt   *time.Time             `json:"accepted_at,omitempty"`
	IsValid      bool                   `json:"is_valid"`
	CreatedAt    time.Time              `json:"created_at"`
}

// decodeList accepts a bare JSON array or a paginated {"results": [...]}
// envelope.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var page struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return page.Results, nil
}
