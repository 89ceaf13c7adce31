// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:lock"), mr
}

// lockers runs a test against both implementations. advance moves time
// forward for the store.
func lockers(t *testing.T, fn func(t *testing.T, l Locker, advance func(time.Duration))) {
	t.Run("memory", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		fn(t, NewMemoryLocker().WithClock(clock.Now), clock.Advance)
	})
	t.Run("redis", func(t *testing.T) {
		l, mr := newRedisLocker(t)
		fn(t, l, mr.FastForward)
	})
}

// =============================================================================
// Shared behaviour
// =============================================================================

func TestLocker_MutualExclusion(t *testing.T) {
	lockers(t, func(t *testing.T, l Locker, _ func(time.Duration)) {
		ctx := context.Background()

		ok, err := l.Obtain(ctx, "user-1", 20*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Obtain(ctx, "user-1", 20*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "second obtain while live must fail")

		ok, err = l.Obtain(ctx, "user-2", 20*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "other identities are independent")
	})
}

func TestLocker_SelfHealing(t *testing.T) {
	lockers(t, func(t *testing.T, l Locker, advance func(time.Duration)) {
		ctx := context.Background()

		ok, _ := l.Obtain(ctx, "user-1", 20*time.Second)
		require.True(t, ok)

		advance(19 * time.Second)
		ok, _ = l.Obtain(ctx, "user-1", 20*time.Second)
		assert.False(t, ok)

		advance(time.Second)
		ok, err := l.Obtain(ctx, "user-1", 20*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "stale holder is evicted at the timeout")
	})
}

func TestLocker_ReleaseIdempotent(t *testing.T) {
	lockers(t, func(t *testing.T, l Locker, _ func(time.Duration)) {
		ctx := context.Background()

		require.NoError(t, l.Release(ctx, "never-held"))

		ok, _ := l.Obtain(ctx, "user-1", time.Minute)
		require.True(t, ok)
		require.NoError(t, l.Release(ctx, "user-1"))
		require.NoError(t, l.Release(ctx, "user-1"))

		ok, _ = l.Obtain(ctx, "user-1", time.Minute)
		assert.True(t, ok)
	})
}

func TestLocker_DefaultTimeout(t *testing.T) {
	lockers(t, func(t *testing.T, l Locker, advance func(time.Duration)) {
		ctx := context.Background()

		ok, _ := l.Obtain(ctx, "user-1", 0)
		require.True(t, ok)
		advance(DefaultTimeout - time.Second)
		ok, _ = l.Obtain(ctx, "user-1", 0)
		assert.False(t, ok)
		advance(time.Second)
		ok, _ = l.Obtain(ctx, "user-1", 0)
		assert.True(t, ok)
	})
}

// =============================================================================
// Implementation details
// =============================================================================

func TestMemoryLocker_ConcurrentObtain(t *testing.T) {
	l := NewMemoryLocker()
	var wins int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Obtain(context.Background(), "user-1", time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, l.Len())
}

func TestRedisLocker_KeyAndTTL(t *testing.T) {
	l, mr := newRedisLocker(t)

	ok, err := l.Obtain(context.Background(), "guest:abc", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("test:lock:guest:abc"))
	assert.Equal(t, 15*time.Second, mr.TTL("test:lock:guest:abc"))

	require.NoError(t, l.Release(context.Background(), "guest:abc"))
	assert.False(t, mr.Exists("test:lock:guest:abc"))
}

func TestRedisLocker_StoreUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Obtain(context.Background(), "user-1", time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis lock obtain failed")
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	l, err := DialRedis(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	assert.Equal(t, DefaultKeyPrefix, l.prefix)

	_, err = DialRedis(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}
