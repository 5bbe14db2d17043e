package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MaxRetries is the replay budget of one request. Only a renewed session
// earns a replay.
const MaxRetries = 1

// Request is one logical call. It is reused across attempts: request stages
// run again before every attempt and must overwrite, not append.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header

	// ID correlates all attempts of this request in logs.
	ID string

	// Retries counts replays already spent against MaxRetries.
	Retries int

	// AccessToken and Tenant record what the latest attempt carried.
	AccessToken string
	Tenant      string
}

// NewRequest builds a request with an empty header set.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Body:   body,
		Header: make(http.Header),
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}
