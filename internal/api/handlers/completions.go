// Package handlers contains the HTTP surface: the completion pipeline,
// the model catalog endpoints, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/omnigate/omnigate/internal/apierror"
	"github.com/omnigate/omnigate/internal/middleware"
	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/billing"
	"github.com/omnigate/omnigate/internal/services/catalog"
	"github.com/omnigate/omnigate/internal/services/circuitbreaker"
	"github.com/omnigate/omnigate/internal/services/keyauth"
	"github.com/omnigate/omnigate/internal/services/pricing"
	"github.com/omnigate/omnigate/internal/services/proxy"
	"github.com/omnigate/omnigate/internal/services/ratelimit"
	"github.com/omnigate/omnigate/internal/services/refund"
	"github.com/omnigate/omnigate/internal/services/usage"
)

type CompletionHandler struct {
	auth    *keyauth.Resolver
	limiter *ratelimit.Limiter
	catalog *catalog.Catalog
	pricing *pricing.Service
	billing *billing.Engine
	refunds *refund.Engine
	breaker *circuitbreaker.Breaker
	proxy   *proxy.Proxy
	events  *usage.Buffer
	logger  *zap.Logger
}

func NewCompletionHandler(
	auth *keyauth.Resolver,
	limiter *ratelimit.Limiter,
	cat *catalog.Catalog,
	prices *pricing.Service,
	bill *billing.Engine,
	refunds *refund.Engine,
	breaker *circuitbreaker.Breaker,
	prx *proxy.Proxy,
	events *usage.Buffer,
	logger *zap.Logger,
) *CompletionHandler {
	return &CompletionHandler{
		auth:    auth,
		limiter: limiter,
		catalog: cat,
		pricing: prices,
		billing: bill,
		refunds: refunds,
		breaker: breaker,
		proxy:   prx,
		events:  events,
		logger:  logger,
	}
}

// ChatCompletions is the pipeline: authenticate, admit, charge,
// dispatch, settle. Every terminal outcome, success or failure, emits
// one request event.
func (h *CompletionHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	clientIP := middleware.ClientIP(r)
	start := time.Now()

	identity, err := h.auth.Resolve(ctx, r.Header.Get("Authorization"), clientIP)
	if err != nil {
		h.writeAuthError(w, requestID, err)
		return
	}
	owner := identity.Owner
	policy := &identity.Policy

	decision, err := h.limiter.Check(ctx, owner, policy)
	if err != nil {
		apierror.Write(w, requestID, apierror.Internal())
		return
	}
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		middleware.RateLimitDenials.WithLabelValues(decision.DeniedWindow).Inc()
		apierror.Write(w, requestID, apierror.RateLimited(decision.DeniedWindow, decision.RetryAfterSec))
		h.recordDenied(identity, requestID, "", "", r, models.RequestRateLimited,
			http.StatusTooManyRequests, start, contentLength(r))
		return
	}

	acquired, inFlight, release, err := h.limiter.Acquire(ctx, owner, policy, requestID)
	if err != nil {
		apierror.Write(w, requestID, apierror.Internal())
		return
	}
	if !acquired {
		middleware.RateLimitDenials.WithLabelValues("concurrency").Inc()
		writeConcurrencyHeaders(w, policy.MaxConcurrent, inFlight)
		apierror.Write(w, requestID, apierror.ConcurrencyLimited(policy.MaxConcurrent))
		h.recordDenied(identity, requestID, "", "", r, models.RequestRateLimited,
			http.StatusTooManyRequests, start, contentLength(r))
		return
	}
	defer release()
	writeConcurrencyHeaders(w, policy.MaxConcurrent, inFlight)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, policy.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.Write(w, requestID, apierror.New(http.StatusRequestEntityTooLarge,
				apierror.TypeInvalidRequest, "body_too_large", "Request body exceeds plan limit"))
			h.recordDenied(identity, requestID, "", "", r, models.RequestClientError,
				http.StatusRequestEntityTooLarge, start, int64(len(body)))
			return
		}
		apierror.Write(w, requestID, apierror.BadRequest("Failed to read request body"))
		return
	}

	chatReq, err := proxy.ParseChatRequest(body)
	if err != nil {
		apierror.Write(w, requestID, apierror.BadRequest(err.Error()))
		h.recordDenied(identity, requestID, "", "", r, models.RequestClientError,
			http.StatusBadRequest, start, int64(len(body)))
		return
	}

	// Key-level model restrictions apply before plan-level ones.
	if !keyAllowsModel(identity.Key, chatReq.Model) {
		apierror.Write(w, requestID, apierror.Forbidden("model_not_allowed",
			"API key does not permit this model"))
		h.recordDenied(identity, requestID, chatReq.Model, "", r, models.RequestClientError,
			http.StatusForbidden, start, int64(len(body)))
		return
	}

	model, err := h.catalog.Admit(ctx, chatReq.Model, policy, chatReq.Stream)
	if err != nil {
		h.writeCatalogError(w, requestID, chatReq.Model, err)
		h.recordDenied(identity, requestID, chatReq.Model, "", r, models.RequestClientError,
			catalogStatus(err), start, int64(len(body)))
		return
	}

	if err := chatReq.Validate(policy, model); err != nil {
		h.writeValidationError(w, requestID, err)
		h.recordDenied(identity, requestID, chatReq.Model, model.Provider, r,
			models.RequestClientError, validationStatus(err), start, int64(len(body)))
		return
	}

	if err := h.breaker.Allow(ctx, model.Provider); err != nil {
		middleware.CircuitState.WithLabelValues(model.Provider).Set(1)
		apierror.Write(w, requestID, apierror.CircuitOpen(model.Provider))
		h.recordDenied(identity, requestID, chatReq.Model, model.Provider, r,
			models.RequestUpstreamError, http.StatusServiceUnavailable, start, int64(len(body)))
		return
	}

	costCents := h.pricing.RequestCents(ctx, model.ModelID, model.ID)
	charge, err := h.billing.Charge(ctx, owner, policy, requestID, costCents)
	if err != nil {
		h.writeBillingError(w, requestID, charge, costCents, err)
		h.recordDenied(identity, requestID, chatReq.Model, model.Provider, r,
			models.RequestBillingBlocked, billingStatus(err), start, int64(len(body)))
		return
	}
	if charge.Replay {
		middleware.BillingDecisions.WithLabelValues("replay").Inc()
		apierror.Write(w, requestID, apierror.IdempotentReplay())
		return
	}
	middleware.BillingDecisions.WithLabelValues(string(charge.Source)).Inc()
	writeBillingHeaders(w, charge)

	prov, err := h.proxy.Provider(model.Provider)
	if err != nil {
		h.logger.Error("catalog names unconfigured provider",
			zap.String("model", model.ModelID),
			zap.String("provider", model.Provider))
		apierror.Write(w, requestID, apierror.CircuitOpen(model.Provider))
		return
	}

	var outcome *proxy.Outcome
	if chatReq.Stream {
		outcome, err = h.proxy.Stream(ctx, w, prov, model, body, requestID)
	} else {
		outcome, err = h.proxy.Complete(ctx, w, prov, model, body, requestID)
	}
	if err != nil {
		apierror.Write(w, requestID, apierror.Internal())
		outcome = &proxy.Outcome{Status: models.RequestUpstreamError, StatusCode: http.StatusInternalServerError}
	}

	h.settle(r, identity, requestID, model, charge, outcome, body, start, chatReq.Stream, w)
}

// settle runs after dispatch: breaker accounting, refund eligibility,
// upstream error relay, and the terminal usage event.
func (h *CompletionHandler) settle(r *http.Request, identity *keyauth.Identity, requestID string,
	model *models.Model, charge *billing.Result, outcome *proxy.Outcome,
	body []byte, start time.Time, isStreaming bool, w http.ResponseWriter) {

	ctx := r.Context()
	owner := identity.Owner

	switch outcome.Status {
	case models.RequestSuccess:
		h.breaker.RecordSuccess(ctx, model.Provider)
		middleware.CircuitState.WithLabelValues(model.Provider).Set(0)
	case models.RequestUpstreamError, models.RequestTimeout:
		if outcome.Status == models.RequestTimeout || circuitbreaker.CountableStatus(outcome.StatusCode) {
			h.breaker.RecordFailure(ctx, model.Provider)
		}
	}

	// Upstream errors that produced no client bytes relay the provider's
	// own error body with its status.
	if outcome.Status == models.RequestUpstreamError && outcome.UpstreamBody != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(outcome.StatusCode)
		_, _ = w.Write(outcome.UpstreamBody)
	}

	if outcome.TTFBMs != nil {
		middleware.TTFBSeconds.WithLabelValues(model.Provider, model.ModelID).
			Observe(float64(*outcome.TTFBMs) / 1000)
	}

	costCents := charge.ChargedCents
	if refund.Eligible(charge.Source, charge.ChargedCents, outcome.Status, outcome.TTFBMs, outcome.OutputBytes) {
		res, err := h.refunds.Refund(ctx, owner, requestID, charge.Source,
			charge.ChargedCents, "zero output before first byte")
		if err != nil {
			h.logger.Error("refund failed",
				zap.String("request_id", requestID),
				zap.String("owner", owner.Key()),
				zap.Error(err))
		} else {
			middleware.RefundsTotal.WithLabelValues(string(res.Outcome)).Inc()
			if res.Outcome == refund.OutcomeRefunded {
				costCents = 0
			}
		}
	}

	ttfb := outcome.TTFBMs
	event := models.RequestEvent{
		RequestID:     requestID,
		Timestamp:     start,
		OwnerType:     owner.Type,
		OwnerID:       owner.ID,
		ApiKeyID:      &identity.Key.ID,
		Model:         model.ModelID,
		Provider:      model.Provider,
		Endpoint:      r.URL.Path,
		Status:        outcome.Status,
		StatusCode:    outcome.StatusCode,
		TotalMs:       time.Since(start).Milliseconds(),
		TTFBMs:        ttfb,
		InputBytes:    int64(len(body)),
		OutputBytes:   outcome.OutputBytes,
		InputTokens:   outcome.InputTokens,
		OutputTokens:  outcome.OutputTokens,
		BillingSource: charge.Source,
		CostCents:     costCents,
		IsStreaming:   isStreaming,
		ChunkCount:    outcome.ChunkCount,
		ClientIP:      middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	}
	// Truncating would corrupt the JSON, so oversized bodies are dropped.
	if outcome.Status == models.RequestUpstreamError &&
		len(outcome.UpstreamBody) <= 4096 && json.Valid(outcome.UpstreamBody) {
		event.Detail = datatypes.JSON(outcome.UpstreamBody)
	}
	h.events.Record(event)
}

// recordDenied emits the terminal event for requests that never reached
// an upstream. Identity may be incomplete on auth failures, so callers
// only invoke this once the owner is known.
func (h *CompletionHandler) recordDenied(identity *keyauth.Identity, requestID, model, provider string,
	r *http.Request, status models.RequestStatus, statusCode int, start time.Time, inputBytes int64) {

	h.events.Record(models.RequestEvent{
		RequestID:     requestID,
		Timestamp:     start,
		OwnerType:     identity.Owner.Type,
		OwnerID:       identity.Owner.ID,
		ApiKeyID:      &identity.Key.ID,
		Model:         model,
		Provider:      provider,
		Endpoint:      r.URL.Path,
		Status:        status,
		StatusCode:    statusCode,
		TotalMs:       time.Since(start).Milliseconds(),
		InputBytes:    inputBytes,
		BillingSource: models.BillingSourceNone,
		ClientIP:      middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
}

// contentLength sizes denials recorded before the body is read.
func contentLength(r *http.Request) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	return 0
}

func keyAllowsModel(key *models.ApiKey, model string) bool {
	if len(key.AllowedModels) == 0 {
		return true
	}
	for _, m := range key.AllowedModels {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}

func (h *CompletionHandler) writeAuthError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, keyauth.ErrInvalidKey):
		apierror.Write(w, requestID, apierror.InvalidAPIKey("Invalid API key"))
	case errors.Is(err, keyauth.ErrKeyDisabled):
		apierror.Write(w, requestID, apierror.InvalidAPIKey("API key is disabled, expired, or revoked"))
	case errors.Is(err, keyauth.ErrIPBlocked):
		apierror.Write(w, requestID, apierror.IPNotAllowed())
	default:
		h.logger.Error("auth resolution failed", zap.String("request_id", requestID), zap.Error(err))
		apierror.Write(w, requestID, apierror.Internal())
	}
}

func (h *CompletionHandler) writeCatalogError(w http.ResponseWriter, requestID, model string, err error) {
	switch {
	case errors.Is(err, catalog.ErrModelNotFound):
		apierror.Write(w, requestID, apierror.NotFound("Model not found: "+model).WithParam("model"))
	case errors.Is(err, catalog.ErrModelInactive):
		apierror.Write(w, requestID, apierror.New(http.StatusServiceUnavailable,
			apierror.TypeServiceUnavailable, "model_unavailable", "Model is not currently served").WithParam("model"))
	case errors.Is(err, catalog.ErrModelNotAllowed):
		apierror.Write(w, requestID, apierror.Forbidden("model_not_allowed", "Plan does not include this model").WithParam("model"))
	case errors.Is(err, catalog.ErrNoStreaming):
		apierror.Write(w, requestID, apierror.BadRequest("Model does not support streaming").WithParam("stream"))
	default:
		apierror.Write(w, requestID, apierror.Internal())
	}
}

func catalogStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrModelInactive):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrModelNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (h *CompletionHandler) writeValidationError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, proxy.ErrMaxTokensExceeded):
		apierror.Write(w, requestID, apierror.BadRequest("max_tokens exceeds plan limit").WithParam("max_tokens"))
	case errors.Is(err, proxy.ErrInputTooLarge):
		apierror.Write(w, requestID, apierror.BadRequest("Estimated input exceeds plan limit").WithParam("messages"))
	case errors.Is(err, proxy.ErrStreamingDenied):
		apierror.Write(w, requestID, apierror.Forbidden("streaming_not_allowed", "Plan does not include streaming").WithParam("stream"))
	default:
		apierror.Write(w, requestID, apierror.BadRequest(err.Error()))
	}
}

func validationStatus(err error) int {
	if errors.Is(err, proxy.ErrStreamingDenied) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func (h *CompletionHandler) writeBillingError(w http.ResponseWriter, requestID string, res *billing.Result, costCents int64, err error) {
	switch {
	case errors.Is(err, billing.ErrWalletLocked):
		middleware.BillingDecisions.WithLabelValues("locked").Inc()
		apierror.Write(w, requestID, apierror.DisputePending())
	case errors.Is(err, billing.ErrInsufficientFunds):
		middleware.BillingDecisions.WithLabelValues("insufficient").Inc()
		balance := int64(0)
		if res != nil {
			balance = res.BalanceCents
		}
		apierror.Write(w, requestID, apierror.PaymentRequired(balance, costCents))
	default:
		middleware.BillingDecisions.WithLabelValues("unavailable").Inc()
		apierror.Write(w, requestID, apierror.BillingUnavailable())
	}
}

func billingStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrWalletLocked), errors.Is(err, billing.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	default:
		return http.StatusServiceUnavailable
	}
}

func writeRateHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
	w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(d.RemainingMinute))
	w.Header().Set("X-RateLimit-Remaining-Hour", strconv.Itoa(d.RemainingHour))
	w.Header().Set("X-RateLimit-Remaining-Day", strconv.Itoa(d.RemainingDay))
}

func writeConcurrencyHeaders(w http.ResponseWriter, limit, inFlight int) {
	w.Header().Set("X-Concurrency-Limit", strconv.Itoa(limit))
	w.Header().Set("X-Concurrency-Current", strconv.Itoa(inFlight))
}

func writeBillingHeaders(w http.ResponseWriter, res *billing.Result) {
	w.Header().Set("x-billing-source", string(res.Source))
	w.Header().Set("x-billing-charged-cents", strconv.FormatInt(res.ChargedCents, 10))
	if res.Source == models.BillingSourceAllowance {
		w.Header().Set("x-allowance-remaining", strconv.FormatInt(res.AllowanceRemaining, 10))
	}
}
