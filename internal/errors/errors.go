// Package errors provides the gateway's error taxonomy.
package errors

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the gateway's classified error outcomes.
type Kind string

const (
	KindNoAccountsAvailable Kind = "NO_ACCOUNTS_AVAILABLE"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindUpstreamTransient   Kind = "UPSTREAM_TRANSIENT"
	KindUpstreamClient      Kind = "UPSTREAM_CLIENT"
	KindTranslationError    Kind = "TRANSLATION_ERROR"
	KindInternalError       Kind = "INTERNAL_ERROR"
	KindCapacityExceeded    Kind = "CAPACITY_EXCEEDED"
)

// statusByKind mirrors the surfaced-status column of the error taxonomy table.
var statusByKind = map[Kind]int{
	KindNoAccountsAvailable: 503,
	KindUnauthorized:        401,
	KindRateLimited:         429,
	KindUpstreamTransient:   502,
	KindUpstreamClient:      0, // carries its own status, see GatewayError.Status
	KindTranslationError:    400,
	KindInternalError:       500,
	KindCapacityExceeded:    400,
}

// GatewayError is the single typed error the dispatcher, pool and
// translators raise. Retryable follows the gateway's retry policy: only
// RateLimited, Unauthorized and UpstreamTransient are retried by the
// dispatcher's own loop.
type GatewayError struct {
	Kind      Kind
	Message   string
	Retryable bool
	Status    int // non-zero overrides statusByKind, used by UpstreamClient
	RetryAt   *int64
	Cause     error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status to surface to the client.
func (e *GatewayError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := statusByKind[e.Kind]; ok && s != 0 {
		return s
	}
	return 500
}

func (e *GatewayError) ToJSON() map[string]interface{} {
	out := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	}
	if e.RetryAt != nil {
		out["retryAt"] = *e.RetryAt
	}
	return out
}

func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Retryable: isRetryable(kind)}
}

func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Retryable: isRetryable(kind), Cause: cause}
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindUnauthorized, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

func NoAccountsAvailable(allRateLimited bool) *GatewayError {
	msg := "no accounts available"
	if allRateLimited {
		msg = "all accounts are rate limited"
	}
	return New(KindNoAccountsAvailable, msg)
}

func RateLimited(message string, retryAtMs int64) *GatewayError {
	return &GatewayError{Kind: KindRateLimited, Message: message, Retryable: true, RetryAt: &retryAtMs}
}

func Unauthorized(message string) *GatewayError {
	return New(KindUnauthorized, message)
}

func UpstreamTransient(message string, cause error) *GatewayError {
	return Wrap(KindUpstreamTransient, message, cause)
}

// UpstreamClientError surfaces a non-retryable 4xx immediately, carrying the
// upstream's own status code and message.
func UpstreamClientError(status int, message string) *GatewayError {
	return &GatewayError{Kind: KindUpstreamClient, Message: message, Status: status}
}

func TranslationError(message string) *GatewayError {
	return New(KindTranslationError, message)
}

func Internal(message string, cause error) *GatewayError {
	return Wrap(KindInternalError, message, cause)
}

func CapacityExceeded(message string) *GatewayError {
	return New(KindCapacityExceeded, message)
}

// Is reports whether err is a *GatewayError of the given kind.
func Is(err error, kind Kind) bool {
	ge, ok := err.(*GatewayError)
	return ok && ge.Kind == kind
}
