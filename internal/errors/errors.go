// Package errors defines the gateway's client-facing error taxonomy and
// its JSON wire format.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is one of the gateway's stable error codes, returned verbatim to
// clients so they can branch on it without parsing Message.
type Code string

const (
	ConfigInvalid        Code = "CONFIG_INVALID"
	AuthInvalid          Code = "AUTH_INVALID"
	AuthForbidden        Code = "AUTH_FORBIDDEN"
	TenantSuspended      Code = "TENANT_SUSPENDED"
	TenantUnknown        Code = "TENANT_UNKNOWN"
	RouteNotFound        Code = "ROUTE_NOT_FOUND"
	MethodNotAllowed     Code = "METHOD_NOT_ALLOWED"
	RateLimited          Code = "RATE_LIMITED"
	UpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"
	UpstreamTimeout      Code = "UPSTREAM_TIMEOUT"
	UpstreamError        Code = "UPSTREAM_ERROR"
	GatewayInternal      Code = "GATEWAY_INTERNAL"
)

// httpStatus maps each Code to the HTTP status written on the response.
var httpStatus = map[Code]int{
	ConfigInvalid:       http.StatusInternalServerError,
	AuthInvalid:         http.StatusUnauthorized,
	AuthForbidden:       http.StatusForbidden,
	TenantSuspended:     http.StatusForbidden,
	TenantUnknown:       http.StatusNotFound,
	RouteNotFound:       http.StatusNotFound,
	MethodNotAllowed:    http.StatusMethodNotAllowed,
	RateLimited:         http.StatusTooManyRequests,
	UpstreamUnavailable: http.StatusBadGateway,
	UpstreamTimeout:     http.StatusGatewayTimeout,
	UpstreamError:       http.StatusBadGateway,
	GatewayInternal:     http.StatusInternalServerError,
}

// GatewayError is the error type returned by every gateway component that
// can fail a request. It serializes to the {"error": {...}} envelope.
type GatewayError struct {
	ErrCode    Code   `json:"-"`
	Message    string `json:"-"`
	TraceID    string `json:"-"`
	RetryAfter int    `json:"-"` // seconds; 0 means absent
	underlying error
}

type errorEnvelope struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Status returns the HTTP status code this error maps to.
func (e *GatewayError) Status() int {
	if s, ok := httpStatus[e.ErrCode]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes the {"error": {...}} envelope to w with the correct
// status code and, for RateLimited, a Retry-After header.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(struct {
		Error errorEnvelope `json:"error"`
	}{
		Error: errorEnvelope{
			Code:       e.ErrCode,
			Message:    e.Message,
			TraceID:    e.TraceID,
			RetryAfter: e.RetryAfter,
		},
	})
}

// New creates a GatewayError for the given code with a message.
func New(code Code, message string) *GatewayError {
	return &GatewayError{ErrCode: code, Message: message}
}

// Wrap wraps an underlying error with a gateway-facing code and message.
func Wrap(err error, code Code, message string) *GatewayError {
	return &GatewayError{ErrCode: code, Message: message, underlying: err}
}

// WithTraceID returns a copy of e carrying the given trace id.
func (e *GatewayError) WithTraceID(traceID string) *GatewayError {
	cp := *e
	cp.TraceID = traceID
	return &cp
}

// WithRetryAfter returns a copy of e carrying a Retry-After hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// As reports whether err is a *GatewayError, unwrapping standard wrap chains.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := stderrors.As(err, &ge)
	return ge, ok
}
