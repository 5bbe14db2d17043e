package api

import (
	"net/url"
	"strings"
)

// Server endpoints.
const (
	PathRegister       = "/auth/register/"
	PathLogin          = "/auth/login/"
	PathRefresh        = "/auth/refresh/"
	PathLogout         = "/auth/logout/"
	PathProfile        = "/auth/profile/"
	PathChangePassword = "/auth/change-password/"
	PathVerifyEmail    = "/auth/verify-email/"
	PathForgotPassword = "/auth/forgot-password/"
	PathResetPassword  = "/auth/reset-password/"

	PathOrganizations    = "/organizations/"
	PathAcceptInvitation = "/organizations/invitations/accept/"
	PathRoles            = "/organizations/roles/"
	PathPermissions      = "/organizations/permissions/"
)

// DefaultTenantHeader carries the selected organization id.
const DefaultTenantHeader = "X-Organization-Id"

// OrganizationPath returns /organizations/{id}/ followed by any extra
// segments, each escaped.
func OrganizationPath(id string, segments ...string) string {
	var b strings.Builder
	b.WriteString(PathOrganizations)
	b.WriteString(url.PathEscape(id))
	b.WriteByte('/')
	for _, s := range segments {
		b.WriteString(url.PathEscape(s))
		b.WriteByte('/')
	}
	return b.String()
}

// IsTenantAgnostic reports whether path belongs to the authentication or
// organization-management API, which must never carry the tenant header.
func IsTenantAgnostic(path string) bool {
	path = cleanPath(path)
	return strings.HasPrefix(path, "/auth/") || strings.HasPrefix(path, "/organizations")
}

// cleanPath drops the query and fragment and ensures a leading slash.
func cleanPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
