// Package billing makes the admit-and-charge decision for one request in
// a single redis Lua script, so two gateways racing on the same owner
// can never double-spend an allowance slot or a wallet cent.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/wallet"
)

const (
	idemChargePrefix = "idem:charge:"
	allowancePrefix  = "allowance:"
)

var (
	ErrWalletLocked          = errors.New("wallet is locked")
	ErrInsufficientFunds     = errors.New("insufficient allowance and wallet balance")
	ErrIdempotentReplay      = errors.New("request id already billed")
	ErrBillingUnavailable    = errors.New("billing backend unavailable")
	errMirrorNotBootstrapped = errors.New("wallet mirror missing")
)

// chargeScript makes the whole decision atomically. Decision order:
// lock, idempotency replay, allowance, wallet.
//
// KEYS[1] = wallet lock flag
// KEYS[2] = idempotency key for this request id
// KEYS[3] = daily allowance counter
// KEYS[4] = wallet balance mirror
// ARGV[1] = cost cents (0 when the policy has no wallet access)
// ARGV[2] = daily allowance limit
// ARGV[3] = idempotency TTL seconds
// ARGV[4] = allowance TTL seconds (to end of UTC day)
//
// Returns:
//	{ 2, stored}                on idempotent replay
//	{ 0, allowance_remaining}   charged against allowance (incl. zero-cost)
//	{ 1, charged, new_balance}  charged against wallet
//	{-1, balance, required}     insufficient
//	{-2}                        wallet mirror missing, bootstrap and retry
//	{-3}                        wallet locked
//
// A zero cost past the allowance still admits at no charge: free plans
// are bounded by the daily request window, not by billing, and a
// mispriced model must never hard-fail paying traffic.
//
// The idempotency value encodes "source:charged:remaining:balance" so a
// replay can reproduce the original response headers.
var chargeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {-3}
end

local stored = redis.call('GET', KEYS[2])
if stored then
	return {2, stored}
end

local cost = tonumber(ARGV[1])
local allowance_limit = tonumber(ARGV[2])
local idem_ttl = tonumber(ARGV[3])
local allowance_ttl = tonumber(ARGV[4])

local used = tonumber(redis.call('GET', KEYS[3]) or '0')
if used < allowance_limit then
	local n = redis.call('INCR', KEYS[3])
	if n == 1 then
		redis.call('EXPIRE', KEYS[3], allowance_ttl)
	end
	local remaining = allowance_limit - n
	redis.call('SET', KEYS[2], 'allowance:0:' .. remaining .. ':0', 'EX', idem_ttl)
	return {0, remaining}
end

if cost <= 0 then
	redis.call('SET', KEYS[2], 'allowance:0:0:0', 'EX', idem_ttl)
	return {0, 0}
end

local balance = redis.call('GET', KEYS[4])
if not balance then
	return {-2}
end
balance = tonumber(balance)
if balance < cost then
	return {-1, balance, cost}
end

local new_balance = redis.call('DECRBY', KEYS[4], cost)
redis.call('SET', KEYS[2], 'wallet:' .. cost .. ':0:' .. new_balance, 'EX', idem_ttl)
return {1, cost, new_balance}
`)

// Result is the billing decision for one request.
type Result struct {
	Source             models.BillingSource
	ChargedCents       int64
	AllowanceRemaining int64
	BalanceCents       int64
	Replay             bool
}

type Engine struct {
	redis   *redis.Client
	wallets *wallet.Service
	logger  *zap.Logger

	idempotencyTTL time.Duration
}

func NewEngine(rdb *redis.Client, wallets *wallet.Service, logger *zap.Logger, idempotencyTTL time.Duration) *Engine {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &Engine{
		redis:          rdb,
		wallets:        wallets,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
	}
}

func IdempotencyKey(owner models.Owner, requestID string) string {
	return idemChargePrefix + owner.Key() + ":" + requestID
}

func AllowanceKey(owner models.Owner, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", allowancePrefix, owner.Key(), day.UTC().Format("20060102"))
}

// secondsToUTCMidnight pads by an hour so a request billed just before
// midnight can still replay its idempotency lookup against the counter.
func secondsToUTCMidnight(now time.Time) int64 {
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int64(midnight.Sub(now.UTC()).Seconds()) + 3600
}

// Charge decides and executes billing for one request. On a wallet
// charge it also lands the durable ledger row; if that write fails the
// hot-state deduction is rolled back and ErrBillingUnavailable returned,
// keeping the mirror never-above the durable truth for spend.
func (e *Engine) Charge(ctx context.Context, owner models.Owner, policy *models.Policy, requestID string, costCents int64) (*Result, error) {
	res, err := e.runScript(ctx, owner, policy, requestID, costCents)
	if errors.Is(err, errMirrorNotBootstrapped) {
		if berr := e.wallets.Bootstrap(ctx, owner); berr != nil {
			e.logger.Error("wallet bootstrap failed during charge",
				zap.String("owner", owner.Key()),
				zap.String("request_id", requestID),
				zap.Error(berr))
			return nil, ErrBillingUnavailable
		}
		res, err = e.runScript(ctx, owner, policy, requestID, costCents)
	}
	if err != nil {
		// Owners without wallet access have no money at stake, so a hot
		// store outage admits them instead of turning free traffic away.
		if errors.Is(err, ErrBillingUnavailable) && !policy.WalletEnabled {
			e.logger.Warn("billing store unavailable, admitting walletless request",
				zap.String("owner", owner.Key()),
				zap.String("request_id", requestID))
			return &Result{Source: models.BillingSourceAllowance}, nil
		}
		// A denial may still carry the balance and required cents for the
		// error body, so the partial result travels with the error.
		return res, err
	}

	if res.Source == models.BillingSourceWallet && !res.Replay {
		balance, derr := e.wallets.RecordCharge(ctx, owner, res.ChargedCents, requestID)
		if derr != nil {
			e.rollbackCharge(owner, requestID, res.ChargedCents)
			e.logger.Error("durable charge failed, hot state rolled back",
				zap.String("owner", owner.Key()),
				zap.String("request_id", requestID),
				zap.Int64("cents", res.ChargedCents),
				zap.Error(derr))
			return nil, ErrBillingUnavailable
		}
		// Report the durable balance; the mirror may lag behind it.
		res.BalanceCents = balance
	}
	return res, nil
}

func (e *Engine) runScript(ctx context.Context, owner models.Owner, policy *models.Policy, requestID string, costCents int64) (*Result, error) {
	now := time.Now()
	keys := []string{
		wallet.LockKey(owner),
		IdempotencyKey(owner, requestID),
		AllowanceKey(owner, now),
		wallet.BalanceKey(owner),
	}
	cost := costCents
	if !policy.WalletEnabled {
		cost = 0
	}
	args := []interface{}{
		cost,
		policy.DailyAllowance,
		int64(e.idempotencyTTL.Seconds()),
		secondsToUTCMidnight(now),
	}

	raw, err := chargeScript.Run(ctx, e.redis, keys, args...).Result()
	if err != nil {
		e.logger.Error("billing script failed",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, ErrBillingUnavailable
	}

	result, ok := raw.([]interface{})
	if !ok || len(result) == 0 {
		return nil, fmt.Errorf("unexpected billing script result: %v", raw)
	}

	switch asInt64(result[0]) {
	case 0:
		return &Result{
			Source:             models.BillingSourceAllowance,
			AllowanceRemaining: asInt64(result[1]),
		}, nil
	case 1:
		return &Result{
			Source:       models.BillingSourceWallet,
			ChargedCents: asInt64(result[1]),
			BalanceCents: asInt64(result[2]),
		}, nil
	case 2:
		stored, _ := result[1].(string)
		res, perr := parseIdempotencyValue(stored)
		if perr != nil {
			return nil, fmt.Errorf("corrupt idempotency value %q: %w", stored, perr)
		}
		res.Replay = true
		return res, nil
	case -1:
		if len(result) >= 3 {
			return &Result{BalanceCents: asInt64(result[1]), ChargedCents: asInt64(result[2])}, ErrInsufficientFunds
		}
		return nil, ErrInsufficientFunds
	case -2:
		return nil, errMirrorNotBootstrapped
	case -3:
		return nil, ErrWalletLocked
	}
	return nil, fmt.Errorf("unknown billing script status: %v", result[0])
}

// rollbackCharge compensates a hot-state deduction whose durable write
// failed: credit the mirror back and drop the idempotency marker so a
// client retry can bill cleanly.
func (e *Engine) rollbackCharge(owner models.Owner, requestID string, cents int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.wallets.RollbackCache(ctx, owner, cents); err != nil {
		e.logger.Error("CRITICAL: charge rollback failed, mirror under-credits owner",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Int64("cents", cents),
			zap.Error(err))
	}
	if err := e.redis.Del(ctx, IdempotencyKey(owner, requestID)).Err(); err != nil {
		e.logger.Error("failed to clear idempotency marker after rollback",
			zap.String("owner", owner.Key()),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// parseIdempotencyValue decodes "source:charged:remaining:balance".
func parseIdempotencyValue(stored string) (*Result, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want 4 fields, got %d", len(parts))
	}
	charged, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, err
	}
	remaining, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, err
	}
	balance, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, err
	}

	var source models.BillingSource
	switch parts[0] {
	case "allowance":
		source = models.BillingSourceAllowance
	case "wallet":
		source = models.BillingSourceWallet
	default:
		return nil, fmt.Errorf("unknown source %q", parts[0])
	}
	return &Result{
		Source:             source,
		ChargedCents:       charged,
		AllowanceRemaining: remaining,
		BalanceCents:       balance,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}
