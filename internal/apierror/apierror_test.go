package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWriteShape(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-123", InvalidAPIKey("Invalid API key"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, "req-123", body["request_id"])

	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "Invalid API key", errObj["message"])
	assert.Equal(t, "authentication_error", errObj["type"])
	assert.Equal(t, "invalid_api_key", errObj["code"])
	assert.NotContains(t, errObj, "param")
}

func TestWriteIncludesParamAndExtras(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-1", PaymentRequired(30, 50))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, float64(30), errObj["wallet_balance_cents"])
	assert.Equal(t, float64(50), errObj["required_cents"])
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-1", RateLimited("minute", 42))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	errObj := decode(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "minute", errObj["param"])
	assert.Equal(t, float64(42), errObj["retry_after"])
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    *APIError
		status int
		code   string
	}{
		{BadRequest("x"), http.StatusBadRequest, "bad_request"},
		{InvalidAPIKey("x"), http.StatusUnauthorized, "invalid_api_key"},
		{IPNotAllowed(), http.StatusUnauthorized, "ip_not_allowed"},
		{PaymentRequired(0, 1), http.StatusPaymentRequired, "payment_required"},
		{DisputePending(), http.StatusPaymentRequired, "dispute_pending"},
		{Forbidden("model_not_allowed", "x"), http.StatusForbidden, "model_not_allowed"},
		{NotFound("x"), http.StatusNotFound, "not_found"},
		{ConcurrencyLimited(2), http.StatusTooManyRequests, "concurrency_limit_exceeded"},
		{IdempotentReplay(), http.StatusConflict, "idempotent_replay"},
		{CircuitOpen("openai"), http.StatusServiceUnavailable, "circuit_breaker_open"},
		{BillingUnavailable(), http.StatusServiceUnavailable, "billing_unavailable"},
		{Internal(), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.status, tc.err.Status)
			assert.Equal(t, tc.code, tc.err.Code)
		})
	}
}

func TestUpstreamPassthroughDefaults(t *testing.T) {
	e := Upstream(http.StatusBadGateway, "", "", "")
	assert.Equal(t, string(TypeAPI), string(e.Type))
	assert.Equal(t, "Upstream provider error", e.Message)

	e = Upstream(http.StatusTooManyRequests, "rate_limit_error", "rate_limited", "slow down")
	assert.Equal(t, "rate_limit_error", string(e.Type))
	assert.Equal(t, "slow down", e.Message)
}
