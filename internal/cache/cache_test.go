package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "test:")
}

func exercise(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	want := []point{{Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Value: 4.5}}

	var got []point
	hit, err := c.Get(ctx, "history:0xabc", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "history:0xabc", want, time.Hour))
	hit, err = c.Get(ctx, "history:0xabc", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, got)

	require.NoError(t, c.Delete(ctx, "history:0xabc"))
	hit, err = c.Get(ctx, "history:0xabc", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemory_RoundTrip(t *testing.T) {
	exercise(t, NewMemory())
}

func TestRedis_RoundTrip(t *testing.T) {
	_, r := setupTestRedis(t)
	exercise(t, r)
}

func TestMemory_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, m.Set(ctx, "forever", 2, 0))

	var v int
	now = now.Add(59 * time.Second)
	hit, _ := m.Get(ctx, "k", &v)
	assert.True(t, hit)

	now = now.Add(time.Second)
	hit, _ = m.Get(ctx, "k", &v)
	assert.False(t, hit)
	assert.Equal(t, 1, m.Len())

	now = now.Add(24 * time.Hour)
	hit, _ = m.Get(ctx, "forever", &v)
	assert.True(t, hit)
	assert.Equal(t, 2, v)
}

func TestRedis_ExpiryAndPrefix(t *testing.T) {
	mr, r := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	assert.True(t, mr.Exists("test:k"))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(time.Minute)
	var s string
	hit, err := r.Get(ctx, "k", &s)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, r.Ping(ctx))
}

func TestRedis_DecodeError(t *testing.T) {
	mr, r := setupTestRedis(t)
	require.NoError(t, mr.Set("test:bad", "not json"))

	var v []point
	_, err := r.Get(context.Background(), "bad", &v)
	assert.Error(t, err)
}

func TestRedis_ServerDown(t *testing.T) {
	mr, r := setupTestRedis(t)
	mr.Close()

	var v int
	_, err := r.Get(context.Background(), "k", &v)
	assert.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = DialRedis(context.Background(), "::bad::")
	assert.Error(t, err)
}
