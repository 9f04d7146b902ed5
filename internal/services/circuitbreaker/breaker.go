// Package circuitbreaker tracks upstream provider health in redis so
// every gateway shares one view of a failing provider.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// blob is the shared breaker state for one provider. Stored as a JSON
// value at circuit:{provider} with a safety TTL of twice the reset
// window, so an abandoned open circuit heals on its own.
type blob struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"last_failure"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool      `json:"probe_in_flight,omitempty"`
}

type Breaker struct {
	redis  *redis.Client
	logger *zap.Logger

	failureThreshold int
	resetWindow      time.Duration
}

func New(rdb *redis.Client, logger *zap.Logger, failureThreshold int, resetWindow time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 50
	}
	if resetWindow <= 0 {
		resetWindow = 30 * time.Second
	}
	return &Breaker{
		redis:            rdb,
		logger:           logger,
		failureThreshold: failureThreshold,
		resetWindow:      resetWindow,
	}
}

func stateKey(provider string) string {
	return "circuit:" + provider
}

func (b *Breaker) safetyTTL() time.Duration {
	return 2 * b.resetWindow
}

func (b *Breaker) load(ctx context.Context, provider string) *blob {
	raw, err := b.redis.Get(ctx, stateKey(provider)).Result()
	if err != nil {
		// Missing or unreadable state means closed. The breaker
		// protects against sustained failure, not a redis blip.
		return &blob{State: StateClosed}
	}
	var s blob
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return &blob{State: StateClosed}
	}
	return &s
}

func (b *Breaker) store(ctx context.Context, provider string, s *blob) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := b.redis.Set(ctx, stateKey(provider), raw, b.safetyTTL()).Err(); err != nil {
		b.logger.Warn("failed to persist breaker state",
			zap.String("provider", provider),
			zap.Error(err))
	}
}

// Allow reports whether a request to the provider may be dispatched. An
// open circuit past its reset window transitions to half-open and admits
// exactly one probe; others keep getting refused until the probe lands.
func (b *Breaker) Allow(ctx context.Context, provider string) error {
	s := b.load(ctx, provider)

	switch s.State {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(s.OpenedAt) < b.resetWindow {
			return ErrCircuitOpen
		}
		s.State = StateHalfOpen
		s.ProbeInFlight = true
		b.store(ctx, provider, s)
		b.logger.Info("circuit half-open, probing",
			zap.String("provider", provider))
		return nil
	case StateHalfOpen:
		if s.ProbeInFlight {
			return ErrCircuitOpen
		}
		s.ProbeInFlight = true
		b.store(ctx, provider, s)
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit by deleting its state; a missing key
// reads as closed with zero failures.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	s := b.load(ctx, provider)
	if s.State == StateClosed && s.Failures == 0 {
		return
	}
	if s.State != StateClosed {
		b.logger.Info("circuit closed",
			zap.String("provider", provider),
			zap.String("from", string(s.State)))
	}
	if err := b.redis.Del(ctx, stateKey(provider)).Err(); err != nil {
		b.logger.Warn("failed to clear breaker state",
			zap.String("provider", provider),
			zap.Error(err))
	}
}

// RecordFailure counts one provider failure. Callers classify first:
// 5xx, 429 and timeouts count; other 4xx are the client's fault and do
// not. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) {
	s := b.load(ctx, provider)
	now := time.Now()

	switch s.State {
	case StateHalfOpen:
		b.store(ctx, provider, &blob{
			State:       StateOpen,
			Failures:    s.Failures,
			LastFailure: now,
			OpenedAt:    now,
		})
		b.logger.Warn("circuit reopened after failed probe",
			zap.String("provider", provider))
	case StateOpen:
		s.Failures++
		s.LastFailure = now
		b.store(ctx, provider, s)
	default:
		s.Failures++
		s.LastFailure = now
		if s.Failures >= b.failureThreshold {
			s.State = StateOpen
			s.OpenedAt = now
			b.logger.Error("circuit opened",
				zap.String("provider", provider),
				zap.Int("failures", s.Failures),
				zap.Duration("reset_window", b.resetWindow))
		}
		b.store(ctx, provider, s)
	}
}

// CountableStatus reports whether an upstream HTTP status counts as a
// provider failure for breaker purposes.
func CountableStatus(status int) bool {
	return status >= 500 || status == 429
}

// Snapshot returns the current state for health and admin surfaces.
func (b *Breaker) Snapshot(ctx context.Context, provider string) (State, int) {
	s := b.load(ctx, provider)
	return s.State, s.Failures
}
