// Copyright 2025 Blink Labs Software
//
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

package locks

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned by WithLockTimeout when the lock could not be
// acquired within the caller's budget
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Well-known lock names. The registry accepts arbitrary names, but all
// in-tree callers draw from this closed set.
const (
	LockGetSocks5Config      = "get_socks5_config"
	LockRegisterWireguard    = "register_wireguard_lease"
	LockScoreAllKnownWorkers = "score_all_known_workers"
	LockScoreMiningPools     = "score_mining_pools"
	LockDanteRefresh         = "dante_refresh"
)

// Registry is a process-wide table of named mutexes. Each name maps to a
// single mutex; a lock is created on first use and lives for the life of
// the process.
type Registry struct {
	mutex sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	ch chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]*namedLock),
	}
}

func (r *Registry) get(name string) *namedLock {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &namedLock{ch: make(chan struct{}, 1)}
		r.locks[name] = l
	}
	return l
}

// WithLock runs fn while holding the named lock, blocking until the lock
// is available. The lock is released on all exit paths, including a panic
// inside fn.
func (r *Registry) WithLock(name string, fn func() error) error {
	l := r.get(name)
	l.ch <- struct{}{}
	defer func() { <-l.ch }()
	return fn()
}

// WithLockTimeout is WithLock with an acquisition budget. It returns
// ErrLockTimeout (wrapped with the lock name) when the lock cannot be
// acquired within timeout; fn's own error is returned unwrapped.
func (r *Registry) WithLockTimeout(
	name string,
	timeout time.Duration,
	fn func() error,
) error {
	l := r.get(name)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%s: %w", name, ErrLockTimeout)
	}
	defer func() { <-l.ch }()
	return fn()
}

// TryAcquire attempts a non-blocking acquisition. On success it returns a
// release function and true; callers treat false as "already running,
// skip this tick". The release function is idempotent.
func (r *Registry) TryAcquire(name string) (func(), bool) {
	l := r.get(name)
	select {
	case l.ch <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-l.ch })
	}
	return release, true
}

// IsLocked reports whether the named lock is currently held. The answer
// is advisory: it can be stale by the time the caller acts on it.
func (r *Registry) IsLocked(name string) bool {
	l := r.get(name)
	return len(l.ch) > 0
}
