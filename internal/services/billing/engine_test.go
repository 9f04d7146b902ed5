package billing

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/wallet"
)

// The decision script is exercised directly against miniredis so every
// branch of the ordering (lock, replay, allowance, wallet) is covered
// without a database.

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

type scriptEnv struct {
	client *redis.Client
	owner  models.Owner
	keys   []string
}

func newScriptEnv(t *testing.T) *scriptEnv {
	client, _ := setupRedis(t)
	owner := models.UserOwner(uuid.New())
	return &scriptEnv{
		client: client,
		owner:  owner,
		keys: []string{
			wallet.LockKey(owner),
			IdempotencyKey(owner, "req-1"),
			AllowanceKey(owner, time.Now()),
			wallet.BalanceKey(owner),
		},
	}
}

func (e *scriptEnv) run(t *testing.T, cost, allowanceLimit int) []interface{} {
	t.Helper()
	raw, err := chargeScript.Run(context.Background(), e.client, e.keys,
		cost, allowanceLimit, 86400, 90000).Result()
	require.NoError(t, err)
	result, ok := raw.([]interface{})
	require.True(t, ok)
	return result
}

func TestChargeScriptAllowancePath(t *testing.T) {
	env := newScriptEnv(t)

	result := env.run(t, 2, 3)
	assert.Equal(t, int64(0), result[0].(int64))
	assert.Equal(t, int64(2), result[1].(int64), "remaining after first charge")

	// Idempotency marker must encode the allowance source.
	stored, err := env.client.Get(context.Background(), env.keys[1]).Result()
	require.NoError(t, err)
	assert.Equal(t, "allowance:0:2:0", stored)
}

func TestChargeScriptReplay(t *testing.T) {
	env := newScriptEnv(t)

	env.run(t, 2, 3)
	result := env.run(t, 2, 3)

	require.Equal(t, int64(2), result[0].(int64))
	assert.Equal(t, "allowance:0:2:0", result[1].(string))

	// The replay must not consume another allowance slot.
	used, err := env.client.Get(context.Background(), env.keys[2]).Result()
	require.NoError(t, err)
	assert.Equal(t, "1", used)
}

func TestChargeScriptFallsToWallet(t *testing.T) {
	env := newScriptEnv(t)
	ctx := context.Background()
	require.NoError(t, env.client.Set(ctx, env.keys[3], "100", 0).Err())

	// Exhaust a 1-slot allowance.
	env.run(t, 5, 1)

	env.keys[1] = IdempotencyKey(env.owner, "req-2")
	result := env.run(t, 5, 1)

	require.Equal(t, int64(1), result[0].(int64))
	assert.Equal(t, int64(5), result[1].(int64))
	assert.Equal(t, int64(95), result[2].(int64))

	stored, err := env.client.Get(ctx, env.keys[1]).Result()
	require.NoError(t, err)
	assert.Equal(t, "wallet:5:0:95", stored)
}

func TestChargeScriptZeroCostPastAllowanceIsFree(t *testing.T) {
	env := newScriptEnv(t)
	ctx := context.Background()

	// Exhaust a 1-slot allowance, then retry with a zero cost the way a
	// walletless policy bills. The request is admitted at no charge and
	// never touches the wallet mirror.
	env.run(t, 0, 1)
	env.keys[1] = IdempotencyKey(env.owner, "req-2")
	result := env.run(t, 0, 1)

	require.Equal(t, int64(0), result[0].(int64))
	assert.Equal(t, int64(0), result[1].(int64), "no allowance remaining")

	stored, err := env.client.Get(ctx, env.keys[1]).Result()
	require.NoError(t, err)
	assert.Equal(t, "allowance:0:0:0", stored)
	exists, _ := env.client.Exists(ctx, env.keys[3]).Result()
	assert.Equal(t, int64(0), exists, "wallet mirror untouched")
}

func TestChargeScriptInsufficientBalance(t *testing.T) {
	env := newScriptEnv(t)
	ctx := context.Background()
	require.NoError(t, env.client.Set(ctx, env.keys[3], "3", 0).Err())

	result := env.run(t, 5, 0)
	require.Equal(t, int64(-1), result[0].(int64))
	assert.Equal(t, int64(3), result[1].(int64), "reports current balance")
	assert.Equal(t, int64(5), result[2].(int64), "reports required cents")

	// A denied charge leaves no idempotency marker and no deduction.
	balance, err := env.client.Get(ctx, env.keys[3]).Result()
	require.NoError(t, err)
	assert.Equal(t, "3", balance)
	exists, _ := env.client.Exists(ctx, env.keys[1]).Result()
	assert.Equal(t, int64(0), exists)
}

func TestChargeScriptMirrorMissing(t *testing.T) {
	env := newScriptEnv(t)

	result := env.run(t, 5, 0)
	assert.Equal(t, int64(-2), result[0].(int64))
}

func TestChargeScriptLockWinsOverEverything(t *testing.T) {
	env := newScriptEnv(t)
	ctx := context.Background()
	require.NoError(t, env.client.Set(ctx, env.keys[0], "1", 0).Err())
	require.NoError(t, env.client.Set(ctx, env.keys[3], "100", 0).Err())

	result := env.run(t, 1, 10)
	assert.Equal(t, int64(-3), result[0].(int64))

	// Locked owners keep their allowance untouched.
	exists, _ := env.client.Exists(ctx, env.keys[2]).Result()
	assert.Equal(t, int64(0), exists)
}

func TestChargeScriptConcurrentRequestsNeverOversell(t *testing.T) {
	env := newScriptEnv(t)
	ctx := context.Background()
	require.NoError(t, env.client.Set(ctx, env.keys[3], "10", 0).Err())

	charged := 0
	for i := 0; i < 5; i++ {
		env.keys[1] = IdempotencyKey(env.owner, "req-"+strconv.Itoa(i))
		result := env.run(t, 4, 0)
		if result[0].(int64) == 1 {
			charged++
		}
	}

	// 10 cents at 4 cents each admits exactly two requests.
	assert.Equal(t, 2, charged)
	balance, err := env.client.Get(ctx, env.keys[3]).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestChargeDenialCarriesBalance(t *testing.T) {
	client, _ := setupRedis(t)
	owner := models.UserOwner(uuid.New())
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, wallet.BalanceKey(owner), "2", 0).Err())

	engine := NewEngine(client, nil, zap.NewNop(), 0)
	policy := &models.Policy{WalletEnabled: true, DailyAllowance: 0}

	res, err := engine.Charge(ctx, owner, policy, "req-1", 3)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// The 402 body reports the actual balance and required cents, so the
	// denial must not discard them.
	require.NotNil(t, res)
	assert.Equal(t, int64(2), res.BalanceCents)
	assert.Equal(t, int64(3), res.ChargedCents)
}

func TestParseIdempotencyValue(t *testing.T) {
	res, err := parseIdempotencyValue("allowance:0:42:0")
	require.NoError(t, err)
	assert.Equal(t, models.BillingSourceAllowance, res.Source)
	assert.Equal(t, int64(42), res.AllowanceRemaining)

	res, err = parseIdempotencyValue("wallet:5:0:95")
	require.NoError(t, err)
	assert.Equal(t, models.BillingSourceWallet, res.Source)
	assert.Equal(t, int64(5), res.ChargedCents)
	assert.Equal(t, int64(95), res.BalanceCents)

	_, err = parseIdempotencyValue("wallet:5")
	assert.Error(t, err)
	_, err = parseIdempotencyValue("bogus:1:2:3")
	assert.Error(t, err)
}

func TestAllowanceKeyIsPerDayUTC(t *testing.T) {
	owner := models.UserOwner(uuid.New())
	day := time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "allowance:user:"+owner.ID.String()+":20260315", AllowanceKey(owner, day))
}

func TestSecondsToUTCMidnightCoversRemainderOfDay(t *testing.T) {
	now := time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC)
	secs := secondsToUTCMidnight(now)
	assert.Equal(t, int64(2*3600+3600), secs)
}
