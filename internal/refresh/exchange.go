package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
)

// maxTokenResponseBytes caps the refresh response body.
const maxTokenResponseBytes = 1 << 20

// TokenResponse is the body of a successful refresh exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExchangeFunc trades a refresh token for a new pair.
type ExchangeFunc func(ctx context.Context, refreshToken string) (*TokenResponse, error)

// HTTPExchange returns an ExchangeFunc that posts {"refresh_token"} to the
// refresh endpoint under baseURL.
//
// It talks to the transport directly instead of going through the
// dispatcher: the refresh call must not carry the stale bearer token and
// must never trigger a renewal of its own.
func HTTPExchange(baseURL string, hc *http.Client) ExchangeFunc {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := strings.TrimRight(baseURL, "/") + api.PathRefresh

	return func(ctx context.Context, refreshToken string) (*TokenResponse, error) {
		if refreshToken == "" {
			return nil, fmt.Errorf("refresh token is empty")
		}

		jsonBody, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := hc.Do(req)
		if err != nil {
			return nil, &api.TransportError{Method: http.MethodPost, Path: api.PathRefresh, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
		if err != nil {
			return nil, &api.TransportError{Method: http.MethodPost, Path: api.PathRefresh, Err: fmt.Errorf("read body: %w", err)}
		}

		if err := api.Error(&api.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}); err != nil {
			return nil, fmt.Errorf("refresh rejected: %w", err)
		}

		var tokenResp TokenResponse
		if err := json.Unmarshal(data, &tokenResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if tokenResp.AccessToken == "" {
			return nil, fmt.Errorf("refresh response has no access token")
		}
		return &tokenResp, nil
	}
}
