// Package refund credits back wallet charges for requests that produced
// zero output, within a per-owner daily cap. Like charging, the decision
// is one Lua script so retried refunds and racing gateways cannot credit
// twice.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/wallet"
)

const (
	idemRefundPrefix  = "idem:refund:"
	dailyCountPrefix  = "refunds:"
	idemRefundTTL     = 24 * time.Hour
	dailyCountPadding = time.Hour
)

var (
	ErrAlreadyRefunded = errors.New("request already refunded")
	ErrDailyCapReached = errors.New("daily refund cap reached")
)

// refundScript: idempotency first, then the daily cap, then the credit.
//
// KEYS[1] = refund idempotency key
// KEYS[2] = daily refund counter
// KEYS[3] = wallet balance mirror
// ARGV[1] = refund cents
// ARGV[2] = daily cap
// ARGV[3] = idempotency TTL seconds
// ARGV[4] = counter TTL seconds
//
// Returns -1 already refunded, -2 cap reached, else the new balance.
var refundScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end

local count = tonumber(redis.call('GET', KEYS[2]) or '0')
if count >= tonumber(ARGV[2]) then
	return -2
end

redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[3]))
local n = redis.call('INCR', KEYS[2])
if n == 1 then
	redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4]))
end
return redis.call('INCRBY', KEYS[3], tonumber(ARGV[1]))
`)

// Outcome says what happened to a refund attempt.
type Outcome string

const (
	OutcomeRefunded   Outcome = "REFUNDED"
	OutcomeNoCharge   Outcome = "NO_CHARGE"
	OutcomeDuplicate  Outcome = "DUPLICATE"
	OutcomeCapReached Outcome = "CAP_REACHED"
)

type Result struct {
	Outcome       Outcome
	RefundedCents int64
	BalanceCents  int64
}

type Engine struct {
	redis   *redis.Client
	wallets *wallet.Service
	logger  *zap.Logger

	dailyCap int
}

func NewEngine(rdb *redis.Client, wallets *wallet.Service, logger *zap.Logger, dailyCap int) *Engine {
	if dailyCap <= 0 {
		dailyCap = 10
	}
	return &Engine{redis: rdb, wallets: wallets, logger: logger, dailyCap: dailyCap}
}

func IdempotencyKey(owner models.Owner, requestID string) string {
	return idemRefundPrefix + owner.Key() + ":" + requestID
}

func DailyCountKey(owner models.Owner, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", dailyCountPrefix, owner.Key(), day.UTC().Format("20060102"))
}

// Eligible reports whether a finished request qualifies for a refund:
// wallet-billed, the upstream failed, and it produced zero output before
// doing so. Successful requests and client aborts never refund, even
// when no byte reached the client.
func Eligible(source models.BillingSource, chargedCents int64, status models.RequestStatus, ttfbMs *int64, outputBytes int64) bool {
	if source != models.BillingSourceWallet || chargedCents <= 0 {
		return false
	}
	if status == models.RequestSuccess || status == models.RequestClientError {
		return false
	}
	return ttfbMs == nil && outputBytes == 0
}

// Refund credits a wallet charge back. Callers gate on Eligible first;
// allowance-billed requests short-circuit to NO_CHARGE without touching
// redis since there is no money to return.
func (e *Engine) Refund(ctx context.Context, owner models.Owner, requestID string, source models.BillingSource, chargedCents int64, reason string) (*Result, error) {
	if source != models.BillingSourceWallet || chargedCents <= 0 {
		return &Result{Outcome: OutcomeNoCharge}, nil
	}

	now := time.Now()
	keys := []string{
		IdempotencyKey(owner, requestID),
		DailyCountKey(owner, now),
		wallet.BalanceKey(owner),
	}
	counterTTL := secondsToUTCMidnight(now)
	args := []interface{}{
		chargedCents,
		e.dailyCap,
		int64(idemRefundTTL.Seconds()),
		counterTTL,
	}

	status, err := refundScript.Run(ctx, e.redis, keys, args...).Int64()
	if err != nil {
		return nil, fmt.Errorf("refund script failed: %w", err)
	}

	switch status {
	case -1:
		return &Result{Outcome: OutcomeDuplicate}, nil
	case -2:
		e.logger.Warn("refund daily cap reached",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Int("cap", e.dailyCap))
		return &Result{Outcome: OutcomeCapReached}, nil
	}

	balance, derr := e.wallets.RecordRefund(ctx, owner, chargedCents, requestID, reason)
	if derr != nil {
		e.rollback(owner, requestID, chargedCents)
		return nil, fmt.Errorf("durable refund failed: %w", derr)
	}

	e.logger.Info("refund issued",
		zap.String("owner", owner.Key()),
		zap.String("request_id", requestID),
		zap.Int64("cents", chargedCents),
		zap.String("reason", reason))
	return &Result{
		Outcome:       OutcomeRefunded,
		RefundedCents: chargedCents,
		BalanceCents:  balance,
	}, nil
}

// rollback compensates a mirror credit whose durable write failed. Each
// step can fail independently; any failure leaves drift that reconcile
// repairs, so it is logged at the highest severity.
func (e *Engine) rollback(owner models.Owner, requestID string, cents int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.redis.DecrBy(ctx, wallet.BalanceKey(owner), cents).Err(); err != nil {
		e.logger.Error("CRITICAL: refund rollback could not debit mirror",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Int64("cents", cents),
			zap.Error(err))
	}
	if err := e.redis.Del(ctx, IdempotencyKey(owner, requestID)).Err(); err != nil {
		e.logger.Error("CRITICAL: refund rollback could not clear idempotency marker",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	if err := e.redis.Decr(ctx, DailyCountKey(owner, time.Now())).Err(); err != nil {
		e.logger.Error("refund rollback could not decrement daily counter",
			zap.String("owner", owner.Key()),
			zap.Error(err))
	}
}

func secondsToUTCMidnight(now time.Time) int64 {
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int64(midnight.Sub(now.UTC()).Seconds()) + int64(dailyCountPadding.Seconds())
}
