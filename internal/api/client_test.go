package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Dicklesworthstone/tenantctl/internal/credstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeState is a CredentialSource, TenantSource, Renewer and
// TenantInvalidator in one.
type fakeState struct {
	creds       credstore.Credentials
	tenant      string
	renewErr    error
	renewals    int
	staleSeen   []string
	invalidated []string
}

func (f *fakeState) LoadCredentials(context.Context) (credstore.Credentials, error) {
	return f.creds, nil
}

func (f *fakeState) LoadTenant(context.Context) (string, error) {
	return f.tenant, nil
}

func (f *fakeState) Renew(_ context.Context, stale string) (credstore.Credentials, error) {
	f.renewals++
	f.staleSeen = append(f.staleSeen, stale)
	if f.renewErr != nil {
		return credstore.Credentials{}, f.renewErr
	}
	f.creds = credstore.Credentials{AccessToken: "fresh", RefreshToken: "r2"}
	return f.creds, nil
}

func (f *fakeState) InvalidateTenant(_ context.Context, orgID string) {
	f.invalidated = append(f.invalidated, orgID)
	if f.tenant == orgID {
		f.tenant = ""
	}
}

// newDispatcher wires the full pipeline against handler.
func newDispatcher(t *testing.T, state *fakeState, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	c.UseRequest(RequestIDStage(), BearerStage(state), TenantStage(state, ""))
	c.UseResponse(RenewalStage(state, nil), StaleTenantStage(state, nil))
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost:8000/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api", c.BaseURL())
	assert.NotNil(t, c.HTTPClient())
}

func TestSend_AttachesHeaders(t *testing.T) {
	state := &fakeState{
		creds:  credstore.Credentials{AccessToken: "t1", RefreshToken: "r1"},
		tenant: "org-1",
	}
	var got http.Header
	var path string
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	resp, err := c.DoRaw(context.Background(), "get", "/projects/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/projects/", path)
	assert.Equal(t, "Bearer t1", got.Get("Authorization"))
	assert.Equal(t, "org-1", got.Get(DefaultTenantHeader))
	assert.NotEmpty(t, got.Get("X-Request-Id"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestSend_TenantAgnosticPaths(t *testing.T) {
	state := &fakeState{
		creds:  credstore.Credentials{AccessToken: "t1", RefreshToken: "r1"},
		tenant: "org-1",
	}
	var tenants []string
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		tenants = append(tenants, r.Header.Get(DefaultTenantHeader))
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	for _, p := range []string{PathProfile, PathOrganizations, OrganizationPath("org-1", "members")} {
		_, err := c.DoRaw(ctx, http.MethodGet, p, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"", "", ""}, tenants)
}

func TestSend_Anonymous(t *testing.T) {
	state := &fakeState{}
	var auth string
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp, err := c.DoRaw(context.Background(), http.MethodGet, "/projects/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, auth)
	assert.Zero(t, state.renewals, "a request without a token is never renewed")
}

func TestSend_RejectsUnknownMethod(t *testing.T) {
	c := newDispatcher(t, &fakeState{}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	_, err := c.DoRaw(context.Background(), "TRACE", "/projects/", nil)
	assert.Error(t, err)
	_, err = c.Send(context.Background(), nil)
	assert.Error(t, err)
}

func TestSend_RenewsAndReplaysOnce(t *testing.T) {
	state := &fakeState{creds: credstore.Credentials{AccessToken: "old", RefreshToken: "r1"}}
	var auths, ids []string
	var body []string
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		ids = append(ids, r.Header.Get("X-Request-Id"))
		b, _ := io.ReadAll(r.Body)
		body = append(body, string(b))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	resp, err := c.DoRaw(context.Background(), http.MethodPost, "/projects/", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"Bearer old", "Bearer fresh"}, auths)
	assert.Equal(t, 1, state.renewals)
	assert.Equal(t, []string{"old"}, state.staleSeen)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "replay keeps the request id")
	assert.Equal(t, body[0], body[1], "replay resends the body")
}

func TestSend_SecondUnauthorizedIsReturned(t *testing.T) {
	state := &fakeState{creds: credstore.Credentials{AccessToken: "old", RefreshToken: "r1"}}
	var calls int32
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp, err := c.DoRaw(context.Background(), http.MethodGet, "/projects/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, state.renewals)
}

func TestSend_RenewalFailure(t *testing.T) {
	state := &fakeState{
		creds:    credstore.Credentials{AccessToken: "old", RefreshToken: "r1"},
		renewErr: ErrSessionExpired,
	}
	var calls int32
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.Do(context.Background(), http.MethodGet, "/projects/", nil, nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSend_AuthEndpointsNeverRenewed(t *testing.T) {
	for _, p := range []string{
		PathLogin, PathRegister, PathRefresh, PathLogout,
		"/auth/login", "/auth/login/?next=/projects/", "/auth/logout?all=1",
	} {
		t.Run(p, func(t *testing.T) {
			state := &fakeState{creds: credstore.Credentials{AccessToken: "old", RefreshToken: "r1"}}
			c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})
			resp, err := c.DoRaw(context.Background(), http.MethodPost, p, nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Zero(t, state.renewals)
		})
	}
}

func TestRenewable(t *testing.T) {
	tests := map[string]bool{
		"/auth/profile/":       true,
		"/projects/":           true,
		"/projects/?q=login":   true,
		"/auth/login/":         false,
		"auth/login":           false,
		"/auth/refresh?x=1":    false,
		"/auth/register/#form": false,
		"/auth/logout":         false,
	}
	for path, want := range tests {
		assert.Equal(t, want, renewable(path), path)
	}
}

func TestSend_StaleTenantCleared(t *testing.T) {
	state := &fakeState{
		creds:  credstore.Credentials{AccessToken: "t1", RefreshToken: "r1"},
		tenant: "org-gone",
	}
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"You do not have access to this organization"}`))
	})

	err := c.Do(context.Background(), http.MethodGet, "/projects/", nil, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, []string{"org-gone"}, state.invalidated)
	assert.Empty(t, state.tenant)
}

func TestSend_PermissionDeniedKeepsTenant(t *testing.T) {
	state := &fakeState{
		creds:  credstore.Credentials{AccessToken: "t1", RefreshToken: "r1"},
		tenant: "org-1",
	}
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"Admins only","code":"permission_denied"}}`))
	})

	err := c.Do(context.Background(), http.MethodGet, "/billing/", nil, nil)
	assert.Equal(t, "Admins only", Message(err, "fallback"))
	assert.Empty(t, state.invalidated)
	assert.Equal(t, "org-1", state.tenant)
}

func TestSend_ForbiddenWithoutTenantIgnored(t *testing.T) {
	state := &fakeState{creds: credstore.Credentials{AccessToken: "t1", RefreshToken: "r1"}}
	c := newDispatcher(t, state, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.DoRaw(context.Background(), http.MethodGet, "/projects/", nil)
	require.NoError(t, err)
	assert.Empty(t, state.invalidated)
}

func TestSend_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url})
	require.NoError(t, err)
	_, err = c.DoRaw(context.Background(), http.MethodGet, "/projects/", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodGet, te.Method)
	assert.Equal(t, "/projects/", te.Path)
}

func TestSend_StageErrorAborts(t *testing.T) {
	boom := errors.New("store unavailable")
	c := newDispatcher(t, &fakeState{}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	c.UseRequest(func(context.Context, *Request) error { return boom })
	_, err := c.DoRaw(context.Background(), http.MethodGet, "/projects/", nil)
	assert.ErrorIs(t, err, boom)
}

func TestSend_StopSkipsLaterStages(t *testing.T) {
	c := newDispatcher(t, &fakeState{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	var reached bool
	c.UseResponse(
		func(context.Context, *Request, *Response) (Decision, error) { return Stop, nil },
		func(context.Context, *Request, *Response) (Decision, error) {
			reached = true
			return Continue, nil
		},
	)
	resp, err := c.DoRaw(context.Background(), http.MethodGet, "/x/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.False(t, reached)
}

func TestDo_DecodesJSON(t *testing.T) {
	c := newDispatcher(t, &fakeState{}, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	})

	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/echo/", map[string]string{"name": "Apollo"}, &out))
	assert.Equal(t, "Apollo", out.Echo)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "stop", Stop.String())
	assert.Equal(t, "unknown", Decision(9).String())
}
