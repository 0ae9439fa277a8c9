package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := NewRedisStore(rdb, "", "client-a")
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_SaveLoadClear(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Save(ctx, &oauth2.Token{
		AccessToken: "access-1",
		TokenType:   "Bearer",
		Expiry:      expiry,
	}))
	assert.True(t, mr.Exists("authsession:client-a"))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.True(t, got.Expiry.Equal(expiry))

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing twice is fine.
	assert.NoError(t, store.Clear(ctx))
}

func TestRedisStore_ExpiresWithToken(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &oauth2.Token{
		AccessToken: "short-lived",
		Expiry:      time.Now().Add(time.Minute),
	}))
	ttl := mr.TTL("authsession:client-a")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.FastForward(2 * time.Minute)
	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_NoExpiryKeepsKey(t *testing.T) {
	store, mr := newRedisStoreTest(t)

	require.NoError(t, store.Save(context.Background(), &oauth2.Token{AccessToken: "opaque"}))
	assert.Equal(t, time.Duration(0), mr.TTL("authsession:client-a"))
}

func TestRedisStore_RefreshTokenKeepsKey(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &oauth2.Token{
		AccessToken:  "short-lived",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Minute),
	}))
	assert.Equal(t, time.Duration(0), mr.TTL("authsession:client-a"))

	mr.FastForward(2 * time.Minute)
	token, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token.RefreshToken)
}

func TestNewRedisStore_Validation(t *testing.T) {
	_, err := NewRedisStore(nil, "", "client-a")
	assert.Error(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	_, err = NewRedisStore(rdb, "", "")
	assert.Error(t, err)
}
