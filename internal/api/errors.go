package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrSessionExpired is returned when the session could not be renewed.
	// The local session has already been torn down when a caller sees it.
	ErrSessionExpired = errors.New("session expired, please log in again")

	// ErrNotFound is matched by 404 responses and unknown organizations.
	ErrNotFound = errors.New("not found")
)

// TransportError is a network-level failure: no HTTP response was received.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: request failed: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
	Fields     map[string]any
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ValidationError is a 400/422 response whose message is shown verbatim.
type ValidationError struct {
	StatusError
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "validation failed"
}

func (e *ValidationError) Unwrap() error {
	return &e.StatusError
}

// AuthenticationError is a failed login. The message never says whether the
// email or the password was wrong.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Message extracts the human-readable message from err, falling back to
// fallback for errors that carry no server-supplied text.
func Message(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Message != "" {
		return ve.Message
	}
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if errors.Is(err, ErrSessionExpired) {
		return ErrSessionExpired.Error()
	}
	return fallback
}

// errorEnvelope covers the error shapes the server produces:
// {"error": {"message", "code", "fields"}}, {"error": "text"} and {"detail": "text"}.
type errorEnvelope struct {
	Error  json.RawMessage `json:"error"`
	Detail any             `json:"detail"`
}

type errorBody struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Fields  map[string]any `json:"fields"`
}

// errorFromResponse maps a non-2xx response to the error taxonomy.
func errorFromResponse(resp *Response) error {
	se := StatusError{StatusCode: resp.StatusCode}

	var env errorEnvelope
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &env) == nil {
		if len(env.Error) > 0 {
			var body errorBody
			var text string
			switch {
			case json.Unmarshal(env.Error, &body) == nil:
				se.Message = body.Message
				se.Code = body.Code
				se.Fields = body.Fields
			case json.Unmarshal(env.Error, &text) == nil:
				se.Message = text
			}
		}
		if se.Message == "" {
			se.Message = detailText(env.Detail)
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{StatusError: se}
	default:
		return &se
	}
}

func detailText(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case []any:
		parts := make([]string, 0, len(d))
		for _, p := range d {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
