package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
)

func setupLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLimiter(client, zap.NewNop()), mr
}

func testPolicy() *models.Policy {
	return &models.Policy{
		RequestsPerMinute: 3,
		RequestsPerHour:   5,
		RequestsPerDay:    10,
		MaxConcurrent:     2,
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	limiter, _ := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	policy := testPolicy()

	d, err := limiter.Check(context.Background(), owner, policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, 2, d.RemainingMinute)
	assert.Equal(t, 4, d.RemainingHour)
	assert.Equal(t, 9, d.RemainingDay)
}

func TestCheckDeniesMinuteWindow(t *testing.T) {
	limiter, _ := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	policy := testPolicy()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(ctx, owner, policy)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i)
	}

	d, err := limiter.Check(ctx, owner, policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "minute", d.DeniedWindow)
	assert.Greater(t, d.RetryAfterSec, int64(0))
	assert.LessOrEqual(t, d.RetryAfterSec, int64(60))

	// Denials still report remaining quota per window for the headers.
	assert.Equal(t, 0, d.RemainingMinute)
	assert.Equal(t, 2, d.RemainingHour)
	assert.Equal(t, 7, d.RemainingDay)
}

func TestCheckDeniedRequestDoesNotConsumeQuota(t *testing.T) {
	limiter, mr := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	policy := testPolicy()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, owner, policy)
		require.NoError(t, err)
	}

	now := time.Now().Unix()
	hourKey := fmt.Sprintf("rl:%s:3600:%d", owner.Key(), now/3600)
	before, err := mr.Get(hourKey)
	require.NoError(t, err)

	// Denied by the minute window; the hour counter must not move.
	d, err := limiter.Check(ctx, owner, policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	after, err := mr.Get(hourKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckDeniesHourWindow(t *testing.T) {
	limiter, _ := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	policy := &models.Policy{
		RequestsPerMinute: 100,
		RequestsPerHour:   2,
		RequestsPerDay:    100,
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Check(ctx, owner, policy)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Check(ctx, owner, policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "hour", d.DeniedWindow)
}

func TestCheckIsolatesOwners(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	policy := testPolicy()

	first := models.UserOwner(uuid.New())
	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, first, policy)
		require.NoError(t, err)
	}
	d, err := limiter.Check(ctx, first, policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	second := models.OrgOwner(uuid.New())
	d, err = limiter.Check(ctx, second, policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckFailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := setupLimiter(t)
	mr.Close()

	d, err := limiter.Check(context.Background(), models.UserOwner(uuid.New()), testPolicy())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAcquireAndRelease(t *testing.T) {
	limiter, _ := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	policy := testPolicy()
	ctx := context.Background()

	ok1, _, release1, err := limiter.Acquire(ctx, owner, policy, "req-1")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, _, release2, err := limiter.Acquire(ctx, owner, policy, "req-2")
	require.NoError(t, err)
	require.True(t, ok2)

	ok3, inFlight, _, err := limiter.Acquire(ctx, owner, policy, "req-3")
	require.NoError(t, err)
	assert.False(t, ok3)
	assert.Equal(t, 2, inFlight)

	release1()
	ok4, _, release4, err := limiter.Acquire(ctx, owner, policy, "req-4")
	require.NoError(t, err)
	assert.True(t, ok4)

	release2()
	release4()
	assert.Equal(t, 0, limiter.InFlight(ctx, owner))
}

func TestAcquireTracksRequestIDs(t *testing.T) {
	limiter, mr := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	ctx := context.Background()

	_, _, release, err := limiter.Acquire(ctx, owner, testPolicy(), "req-a")
	require.NoError(t, err)
	_, _, _, err = limiter.Acquire(ctx, owner, testPolicy(), "req-b")
	require.NoError(t, err)

	idsKey := "concurrency:" + owner.Key() + ":ids"
	assert.NotEmpty(t, mr.HGet(idsKey, "req-a"))
	assert.NotEmpty(t, mr.HGet(idsKey, "req-b"))

	release()
	assert.Empty(t, mr.HGet(idsKey, "req-a"))
	assert.NotEmpty(t, mr.HGet(idsKey, "req-b"))
}

func TestReleaseClampsAtZero(t *testing.T) {
	limiter, _ := setupLimiter(t)
	owner := models.UserOwner(uuid.New())
	ctx := context.Background()

	ok, _, release, err := limiter.Acquire(ctx, owner, testPolicy(), "req-1")
	require.NoError(t, err)
	require.True(t, ok)

	release()
	release() // double release must not go negative
	assert.Equal(t, 0, limiter.InFlight(ctx, owner))

	ok, _, _, err = limiter.Acquire(ctx, owner, testPolicy(), "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlotCarriesSafetyTTL(t *testing.T) {
	limiter, mr := setupLimiter(t)
	owner := models.UserOwner(uuid.New())

	ok, _, _, err := limiter.Acquire(context.Background(), owner, testPolicy(), "req-1")
	require.NoError(t, err)
	require.True(t, ok)

	ttl := mr.TTL("concurrency:" + owner.Key())
	assert.Equal(t, time.Duration(slotSafetyTTL)*time.Second, ttl)
}
