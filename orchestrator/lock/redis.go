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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces lock keys.
const DefaultKeyPrefix = "genstream:lock"

// RedisLocker is a Locker shared by every gateway instance. Acquisition is a
// single SET NX PX, so staleness is handled by the key's TTL.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLocker{client: client, prefix: strings.TrimRight(prefix, ":")}
}

// DialRedis connects to redisURL (redis://host:port/db) and verifies the
// connection.
func DialRedis(ctx context.Context, redisURL, prefix string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLocker(client, prefix), nil
}

func (r *RedisLocker) key(k string) string {
	return r.prefix + ":" + k
}

// Obtain implements Locker.
func (r *RedisLocker) Obtain(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ok, err := r.client.SetNX(ctx, r.key(key), stamp, timeout).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock obtain failed: %w", err)
	}
	return ok, nil
}

// Release implements Locker.
func (r *RedisLocker) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
