package keyauth

import (
	"context"
	"encoding/json"
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

func setupResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewResolver(nil, client, zap.NewNop(), time.Minute, time.Minute), mr
}

func TestParseBearer(t *testing.T) {
	secret, _, err := models.GenerateKey()
	require.NoError(t, err)

	parsed, err := ParseBearer("Bearer " + secret)
	require.NoError(t, err)
	assert.Equal(t, secret, parsed)

	// Scheme is case-insensitive, as proxies sometimes normalize it.
	parsed, err = ParseBearer("bearer " + secret)
	require.NoError(t, err)
	assert.Equal(t, secret, parsed)
}

func TestCachedKeyEntryServesResolvedKeys(t *testing.T) {
	r, _ := setupResolver(t)
	ctx := context.Background()

	keyID := uuid.New()
	userID := uuid.New()
	entry := cachedKey{Owner: models.UserOwner(userID)}
	entry.Key.ID = keyID
	entry.Key.UserID = &userID
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, r.redis.Set(ctx, keyCachePrefix+"digest", raw, time.Minute).Err())

	cached, ok := r.cachedKeyEntry(ctx, keyCachePrefix+"digest")
	require.True(t, ok)
	assert.Equal(t, keyID, cached.Key.ID)
	assert.Equal(t, models.UserOwner(userID), cached.Owner)
}

func TestCachedKeyEntryTreatsNonKeysAsMisses(t *testing.T) {
	r, mr := setupResolver(t)
	ctx := context.Background()

	// Only resolved keys are served from cache. A rejection marker or a
	// corrupt value must read as a miss so an unknown digest is retried
	// against the database on every attempt, never rejected from cache.
	for _, stale := range []string{"__none__", "{not json", `{"key":{}}`} {
		require.NoError(t, mr.Set(keyCachePrefix+"digest", stale))

		_, ok := r.cachedKeyEntry(ctx, keyCachePrefix+"digest")
		assert.False(t, ok, "value %q must not serve from cache", stale)
		assert.False(t, mr.Exists(keyCachePrefix+"digest"), "value %q must be evicted", stale)
	}
}

func TestParseBearerRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no scheme", "omni_abc123"},
		{"wrong scheme", "Basic omni_abc123"},
		{"wrong prefix", "Bearer sk-abc123"},
		{"scheme only", "Bearer"},
		{"blank token", "Bearer   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBearer(tc.header)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}
