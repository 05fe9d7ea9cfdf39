package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind is the error type reported to clients in the error envelope.
type Kind string

const (
	AuthError         Kind = "AuthError"
	CreditsError      Kind = "CreditsError"
	MonthlyLimitError Kind = "MonthlyLimitError"
	UserLimitError    Kind = "UserLimitError"
	ModelError        Kind = "ModelError"
	RateLimitError    Kind = "RateLimitError"
	SubscriptionError Kind = "SubscriptionError"
	// RequestTooLarge is returned for bodies over the configured size.
	RequestTooLarge   Kind = "RequestTooLarge"
)

// Error is a typed gateway failure. Validation errors are never retried.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set for quota errors that know when the window reopens.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status maps the error kind to an HTTP status.
func (e *Error) Status() int {
	switch e.Kind {
	case RateLimitError, SubscriptionError:
		return http.StatusTooManyRequests
	case AuthError, CreditsError, MonthlyLimitError, UserLimitError, ModelError:
		return http.StatusUnauthorized
	case RequestTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// New returns a typed error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRetryAfter returns a copy of e carrying a retry interval.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Envelope is the JSON error body shared by all inbound dialects.
type Envelope struct {
	Type  string `json:"type"`
	Error Body   `json:"error"`
}

// Body is the inner error object.
type Body struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Write renders err as the error envelope. Untyped errors become a 500 with
// the generic "error" type.
func Write(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	env := Envelope{Type: "error", Error: Body{Type: "error", Message: err.Error()}}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		status = apiErr.Status()
		env.Error = Body{Type: string(apiErr.Kind), Message: apiErr.Message}
		if apiErr.RetryAfter > 0 {
			secs := int64(math.Ceil(apiErr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
