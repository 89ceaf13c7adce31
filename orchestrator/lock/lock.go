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

// Package lock provides the per-identity generation lock. At most one
// generation runs per user or guest; a second request while the first is
// live is refused rather than queued. A holder that never releases is
// evicted once its timeout elapses.
package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds how long a lock is honoured without a release.
const DefaultTimeout = 20 * time.Second

// Locker is a cooperative, keyed lock with self-healing timeouts.
type Locker interface {
	// Obtain acquires key. It returns false without waiting when a live
	// holder exists. An error means the lock store is unavailable.
	Obtain(ctx context.Context, key string, timeout time.Duration) (bool, error)

	// Release drops key. Releasing an absent key is not an error.
	Release(ctx context.Context, key string) error
}

type entry struct {
	acquired time.Time
	timeout  time.Duration
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]entry
	now  func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]entry), now: time.Now}
}

// WithClock replaces the time source (tests).
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	m.now = now
	return m
}

// Obtain implements Locker.
func (m *MemoryLocker) Obtain(_ context.Context, key string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Sub(e.acquired) < e.timeout {
		return false, nil
	}
	m.held[key] = entry{acquired: now, timeout: timeout}
	return true, nil
}

// Release implements Locker.
func (m *MemoryLocker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.held, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of keys currently stored, live or stale.
func (m *MemoryLocker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
