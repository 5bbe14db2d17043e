package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/google/uuid"
)

// CredentialSource supplies the current token pair.
type CredentialSource interface {
	LoadCredentials(ctx context.Context) (credstore.Credentials, error)
}

// TenantSource supplies the selected organization id.
type TenantSource interface {
	LoadTenant(ctx context.Context) (string, error)
}

// Renewer exchanges the refresh token for a new pair. staleAccess is the
// access token the failed attempt carried.
type Renewer interface {
	Renew(ctx context.Context, staleAccess string) (credstore.Credentials, error)
}

// TenantInvalidator drops a selection the server no longer honours.
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, orgID string)
}

// RequestIDStage assigns a UUID on the first attempt and reuses it on
// replays.
func RequestIDStage() RequestStage {
	return func(_ context.Context, req *Request) error {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		req.Header.Set("X-Request-Id", req.ID)
		return nil
	}
}

// BearerStage attaches the stored access token.
func BearerStage(src CredentialSource) RequestStage {
	return func(ctx context.Context, req *Request) error {
		creds, err := src.LoadCredentials(ctx)
		if err != nil {
			return err
		}
		if creds.IsZero() {
			req.Header.Del("Authorization")
			req.AccessToken = ""
			return nil
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.AccessToken = creds.AccessToken
		return nil
	}
}

// TenantStage attaches the selected organization id to tenant-scoped paths.
func TenantStage(src TenantSource, header string) RequestStage {
	if header == "" {
		header = DefaultTenantHeader
	}
	return func(ctx context.Context, req *Request) error {
		req.Header.Del(header)
		req.Tenant = ""
		if IsTenantAgnostic(req.Path) {
			return nil
		}
		orgID, err := src.LoadTenant(ctx)
		if err != nil {
			return err
		}
		if orgID != "" {
			req.Header.Set(header, orgID)
			req.Tenant = orgID
		}
		return nil
	}
}

// RenewalStage renews the session on the first 401 of a request and asks
// for a replay. A second 401, a 401 from an authentication endpoint, or a
// 401 to a request that carried no token is passed through.
func RenewalStage(renewer Renewer, logger *slog.Logger) ResponseStage {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req *Request, resp *Response) (Decision, error) {
		if resp.StatusCode != http.StatusUnauthorized || req.Retries >= MaxRetries {
			return Continue, nil
		}
		if req.AccessToken == "" || !renewable(req.Path) {
			return Continue, nil
		}
		logger.Debug("unauthorized response, renewing session",
			"method", req.Method,
			"path", req.Path,
			"request_id", req.ID)
		if _, err := renewer.Renew(ctx, req.AccessToken); err != nil {
			return Stop, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
		}
		return Retry, nil
	}
}

// StaleTenantStage clears the selection when the server refuses the tenant
// a request carried. The 403 is still returned to the caller.
func StaleTenantStage(inv TenantInvalidator, logger *slog.Logger) ResponseStage {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req *Request, resp *Response) (Decision, error) {
		if resp.StatusCode != http.StatusForbidden || req.Tenant == "" {
			return Continue, nil
		}
		if !tenantRefused(resp) {
			return Continue, nil
		}
		logger.Warn("organization refused by server, clearing selection",
			"organization_id", req.Tenant,
			"path", req.Path,
			"request_id", req.ID)
		inv.InvalidateTenant(ctx, req.Tenant)
		return Continue, nil
	}
}

// renewable excludes the endpoints whose 401 means wrong credentials rather
// than an expired access token, and logout, whose body carries the refresh
// token a renewal would rotate away.
func renewable(path string) bool {
	path = cleanPath(path)
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	switch path {
	case PathRefresh, PathLogin, PathRegister, PathLogout:
		return false
	}
	return true
}

// tenantRefused tells a membership refusal apart from an ordinary
// permission denial inside a valid organization.
func tenantRefused(resp *Response) bool {
	err := errorFromResponse(resp)
	se, ok := err.(*StatusError)
	if !ok {
		return true
	}
	return se.Code != "permission_denied"
}
