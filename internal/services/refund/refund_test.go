package refund

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

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func runRefund(t *testing.T, client *redis.Client, owner models.Owner, requestID string, cents, cap int) int64 {
	t.Helper()
	keys := []string{
		IdempotencyKey(owner, requestID),
		DailyCountKey(owner, time.Now()),
		wallet.BalanceKey(owner),
	}
	status, err := refundScript.Run(context.Background(), client, keys,
		cents, cap, 86400, 90000).Int64()
	require.NoError(t, err)
	return status
}

func TestRefundScriptCreditsOnce(t *testing.T) {
	client := setupRedis(t)
	owner := models.UserOwner(uuid.New())
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, wallet.BalanceKey(owner), "95", 0).Err())

	balance := runRefund(t, client, owner, "req-1", 5, 10)
	assert.Equal(t, int64(100), balance)

	// Same request id again: refused, no second credit.
	status := runRefund(t, client, owner, "req-1", 5, 10)
	assert.Equal(t, int64(-1), status)

	got, err := client.Get(ctx, wallet.BalanceKey(owner)).Result()
	require.NoError(t, err)
	assert.Equal(t, "100", got)
}

func TestRefundScriptEnforcesDailyCap(t *testing.T) {
	client := setupRedis(t)
	owner := models.UserOwner(uuid.New())
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, wallet.BalanceKey(owner), "0", 0).Err())

	for i := 0; i < 3; i++ {
		balance := runRefund(t, client, owner, "req-"+strconv.Itoa(i), 1, 3)
		assert.Equal(t, int64(i+1), balance)
	}

	status := runRefund(t, client, owner, "req-over", 1, 3)
	assert.Equal(t, int64(-2), status)

	// The capped attempt leaves no idempotency marker: if the cap resets
	// it could be retried.
	exists, _ := client.Exists(ctx, IdempotencyKey(owner, "req-over")).Result()
	assert.Equal(t, int64(0), exists)
}

func TestRefundScriptCapIsPerOwner(t *testing.T) {
	client := setupRedis(t)
	first := models.UserOwner(uuid.New())
	second := models.OrgOwner(uuid.New())
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, wallet.BalanceKey(first), "0", 0).Err())
	require.NoError(t, client.Set(ctx, wallet.BalanceKey(second), "0", 0).Err())

	runRefund(t, client, first, "a", 1, 1)
	status := runRefund(t, client, first, "b", 1, 1)
	require.Equal(t, int64(-2), status)

	balance := runRefund(t, client, second, "c", 1, 1)
	assert.Equal(t, int64(1), balance)
}

func TestEligible(t *testing.T) {
	zero := int64(0)

	// TTFB-0 upstream failure on a wallet charge qualifies.
	assert.True(t, Eligible(models.BillingSourceWallet, 5, models.RequestUpstreamError, nil, 0))
	assert.True(t, Eligible(models.BillingSourceWallet, 5, models.RequestTimeout, nil, 0))

	// Any first byte disqualifies, even with zero counted output.
	assert.False(t, Eligible(models.BillingSourceWallet, 5, models.RequestUpstreamError, &zero, 0))

	// Output bytes disqualify.
	assert.False(t, Eligible(models.BillingSourceWallet, 5, models.RequestUpstreamError, nil, 10))

	// Success and client aborts keep their charge regardless of output.
	assert.False(t, Eligible(models.BillingSourceWallet, 5, models.RequestSuccess, nil, 0))
	assert.False(t, Eligible(models.BillingSourceWallet, 5, models.RequestClientError, nil, 0))

	// Allowance and unbilled requests have nothing to refund.
	assert.False(t, Eligible(models.BillingSourceAllowance, 0, models.RequestUpstreamError, nil, 0))
	assert.False(t, Eligible(models.BillingSourceNone, 0, models.RequestUpstreamError, nil, 0))
	assert.False(t, Eligible(models.BillingSourceWallet, 0, models.RequestUpstreamError, nil, 0))
}

func TestRefundShortCircuitsNonWalletSources(t *testing.T) {
	client := setupRedis(t)
	engine := NewEngine(client, nil, zap.NewNop(), 10)

	res, err := engine.Refund(context.Background(), models.UserOwner(uuid.New()),
		"req-1", models.BillingSourceAllowance, 0, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCharge, res.Outcome)
	assert.Zero(t, res.RefundedCents)
}
