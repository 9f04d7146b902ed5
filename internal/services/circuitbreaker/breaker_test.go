package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupBreaker(t *testing.T, threshold int, reset time.Duration) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, zap.NewNop(), threshold, reset), mr
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := setupBreaker(t, 3, 30*time.Second)
	assert.NoError(t, b.Allow(context.Background(), "openai"))

	state, failures := b.Snapshot(context.Background(), "openai")
	assert.Equal(t, StateClosed, state)
	assert.Zero(t, failures)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := setupBreaker(t, 3, 30*time.Second)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	b.RecordFailure(ctx, "openai")
	assert.NoError(t, b.Allow(ctx, "openai"), "under threshold stays closed")

	b.RecordFailure(ctx, "openai")
	assert.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen)

	state, _ := b.Snapshot(ctx, "openai")
	assert.Equal(t, StateOpen, state)
}

func TestBreakerIsPerProvider(t *testing.T) {
	b, _ := setupBreaker(t, 1, 30*time.Second)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	assert.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen)
	assert.NoError(t, b.Allow(ctx, "anthropic"))
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	b, _ := setupBreaker(t, 1, 10*time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	require.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, b.Allow(ctx, "openai"))

	state, _ := b.Snapshot(ctx, "openai")
	assert.Equal(t, StateHalfOpen, state)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, _ := setupBreaker(t, 1, time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Allow(ctx, "openai"))
	b.RecordSuccess(ctx, "openai")

	state, failures := b.Snapshot(ctx, "openai")
	assert.Equal(t, StateClosed, state)
	assert.Zero(t, failures)
	assert.NoError(t, b.Allow(ctx, "openai"))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, _ := setupBreaker(t, 1, time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Allow(ctx, "openai"))
	b.RecordFailure(ctx, "openai")

	state, _ := b.Snapshot(ctx, "openai")
	assert.Equal(t, StateOpen, state)
	assert.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen)
}

func TestBreakerHalfOpenRefusesSecondCaller(t *testing.T) {
	b, _ := setupBreaker(t, 1, time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Allow(ctx, "openai"), "first caller probes")
	assert.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen, "second caller waits")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := setupBreaker(t, 3, 30*time.Second)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	b.RecordFailure(ctx, "openai")
	b.RecordSuccess(ctx, "openai")
	b.RecordFailure(ctx, "openai")
	b.RecordFailure(ctx, "openai")

	assert.NoError(t, b.Allow(ctx, "openai"), "count restarted after success")
}

func TestBreakerTreatsRedisLossAsClosed(t *testing.T) {
	b, mr := setupBreaker(t, 1, 30*time.Second)
	ctx := context.Background()

	b.RecordFailure(ctx, "openai")
	require.ErrorIs(t, b.Allow(ctx, "openai"), ErrCircuitOpen)

	mr.FlushAll()
	assert.NoError(t, b.Allow(ctx, "openai"))
}

func TestCountableStatus(t *testing.T) {
	assert.True(t, CountableStatus(500))
	assert.True(t, CountableStatus(502))
	assert.True(t, CountableStatus(429))
	assert.False(t, CountableStatus(400))
	assert.False(t, CountableStatus(404))
	assert.False(t, CountableStatus(200))
}
