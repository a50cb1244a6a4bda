// Package api is the single outbound path to the processing backend. It
// attaches the in-memory bearer token to every request, silently refreshes
// the token once on 401 through the backend's refresh cookie, drives the
// OAuth redirect handshake, and normalizes every failure into an *Error
// carrying a human-readable message.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FallbackMessage is used when neither the server nor the transport
// produced a usable message.
const FallbackMessage = "API request failed"

// Sentinel errors for status classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrTooLarge     = errors.New("api: payload too large")
	ErrThrottled    = errors.New("api: throttled")
	ErrServerError  = errors.New("api: server error")
	ErrUnexpected   = errors.New("api: unexpected status")
	ErrTransport    = errors.New("api: transport failure")

	// ErrRefreshFailed means the refresh cookie could not be exchanged for a
	// new access token. The token store has been cleared.
	ErrRefreshFailed = errors.New("api: token refresh failed")

	// ErrLoginRequired wraps a terminal authentication failure: the user
	// must go through the login handshake again.
	ErrLoginRequired = errors.New("api: login required")
)

// Error is the normalized failure of a backend call.
type Error struct {
	StatusCode int    // 0 for transport failures
	Message    string // human-readable, suitable for display
	Err        error  // sentinel, for errors.Is()
	Cause      error  // underlying transport error, if any
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api: %s", e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// Message returns the display message for err: the normalized message of an
// *Error, otherwise err's own text, otherwise FallbackMessage.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}

	if msg := err.Error(); msg != "" {
		return msg
	}

	return FallbackMessage
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrUnexpected
	}
}

// errorBody is the union of the error shapes the backends emit: the auth
// service uses "message", the processing service uses FastAPI's "detail",
// and some handlers use "error".
type errorBody struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
}

// serverMessage extracts the server-provided message from an error body.
// Returns "" when the body carries none.
func serverMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}

	if eb.Message != "" {
		return eb.Message
	}

	// FastAPI validation errors put a list in "detail"; only plain strings
	// are messages.
	var detail string
	if len(eb.Detail) > 0 && json.Unmarshal(eb.Detail, &detail) == nil && detail != "" {
		return detail
	}

	return eb.Error
}

// newStatusError builds the normalized error for a non-2xx response.
func newStatusError(code int, body []byte) *Error {
	msg := serverMessage(body)
	if msg == "" {
		msg = FallbackMessage
	}

	return &Error{
		StatusCode: code,
		Message:    msg,
		Err:        classifyStatus(code),
	}
}

// newTransportError builds the normalized error for a failed round trip.
func newTransportError(err error) *Error {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = FallbackMessage
	}

	return &Error{
		Message: msg,
		Err:     ErrTransport,
		Cause:   err,
	}
}
