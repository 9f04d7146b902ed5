// Package apierror renders failures in the OpenAI-compatible error shape:
// {"error": {"message", "type", "code", "param"}, "request_id"}.
package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorType string

const (
	TypeInvalidRequest     ErrorType = "invalid_request_error"
	TypeAuthentication     ErrorType = "authentication_error"
	TypeBilling            ErrorType = "billing_error"
	TypePermission         ErrorType = "permission_error"
	TypeNotFound           ErrorType = "not_found_error"
	TypeRateLimit          ErrorType = "rate_limit_error"
	TypeIdempotency        ErrorType = "idempotency_error"
	TypeAPI                ErrorType = "api_error"
	TypeServiceUnavailable ErrorType = "service_unavailable_error"
)

// APIError carries everything needed to render one failure response.
type APIError struct {
	Status  int
	Type    ErrorType
	Code    string
	Message string
	Param   string

	// Extra fields merged into the error object (e.g. wallet balances).
	Extra map[string]interface{}
}

func (e *APIError) Error() string {
	return e.Message
}

func New(status int, typ ErrorType, code, message string) *APIError {
	return &APIError{Status: status, Type: typ, Code: code, Message: message}
}

func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

func (e *APIError) With(key string, value interface{}) *APIError {
	if e.Extra == nil {
		e.Extra = map[string]interface{}{}
	}
	e.Extra[key] = value
	return e
}

// Constructors for the taxonomy the pipeline emits.

func BadRequest(message string) *APIError {
	return New(http.StatusBadRequest, TypeInvalidRequest, "bad_request", message)
}

func InvalidAPIKey(message string) *APIError {
	return New(http.StatusUnauthorized, TypeAuthentication, "invalid_api_key", message)
}

func IPNotAllowed() *APIError {
	return New(http.StatusUnauthorized, TypeAuthentication, "ip_not_allowed",
		"Request IP is not in the key's allowlist")
}

func PaymentRequired(balanceCents, requiredCents int64) *APIError {
	return New(http.StatusPaymentRequired, TypeBilling, "payment_required",
		"Insufficient wallet balance").
		With("wallet_balance_cents", balanceCents).
		With("required_cents", requiredCents)
}

func DisputePending() *APIError {
	return New(http.StatusPaymentRequired, TypeBilling, "dispute_pending",
		"Wallet is locked pending dispute resolution")
}

func Forbidden(code, message string) *APIError {
	return New(http.StatusForbidden, TypePermission, code, message)
}

func NotFound(message string) *APIError {
	return New(http.StatusNotFound, TypeNotFound, "not_found", message)
}

func RateLimited(window string, retryAfterSeconds int64) *APIError {
	e := New(http.StatusTooManyRequests, TypeRateLimit, "rate_limit_exceeded",
		"Rate limit exceeded").WithParam(window)
	return e.With("retry_after", retryAfterSeconds)
}

func ConcurrencyLimited(limit int) *APIError {
	return New(http.StatusTooManyRequests, TypeRateLimit, "concurrency_limit_exceeded",
		"Too many concurrent requests").With("max_concurrent", limit)
}

func IdempotentReplay() *APIError {
	return New(http.StatusConflict, TypeIdempotency, "idempotent_replay",
		"Request ID was already billed; streaming responses cannot be replayed")
}

func CircuitOpen(provider string) *APIError {
	return New(http.StatusServiceUnavailable, TypeServiceUnavailable, "circuit_breaker_open",
		"Provider is temporarily unavailable").WithParam(provider)
}

func BillingUnavailable() *APIError {
	return New(http.StatusServiceUnavailable, TypeServiceUnavailable, "billing_unavailable",
		"Billing backend is temporarily unavailable")
}

func Upstream(status int, typ, code, message string) *APIError {
	if typ == "" {
		typ = string(TypeAPI)
	}
	if message == "" {
		message = "Upstream provider error"
	}
	return New(status, ErrorType(typ), code, message)
}

func Internal() *APIError {
	return New(http.StatusInternalServerError, TypeAPI, "internal_error",
		"An internal error occurred")
}

// Write renders the error body onto w, attaching the request id.
func Write(w http.ResponseWriter, requestID string, e *APIError) {
	errObj := map[string]interface{}{
		"message": e.Message,
		"type":    string(e.Type),
		"code":    e.Code,
	}
	if e.Param != "" {
		errObj["param"] = e.Param
	}
	for k, v := range e.Extra {
		errObj[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	if retry, ok := e.Extra["retry_after"]; ok && e.Status == http.StatusTooManyRequests {
		if secs, ok := retry.(int64); ok && secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      errObj,
		"request_id": requestID,
	})
}
