/*
Copyright 2025 Lessonbook Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held by another process.
var ErrNotAcquired = errors.New("lock already held")

// ErrNotHeld is returned when unlocking or extending a lock this process no
// longer owns, typically because the TTL lapsed and someone else took it.
var ErrNotHeld = errors.New("lock not held")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Locker is a single-instance Redis lock keyed by an owner value. The outbox
// publisher uses it for leader election so only one process polls and
// publishes at a time. The owner value guards unlock and renewal: a process
// that lost the lock to a TTL expiry cannot release a successor's hold.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// Lock attempts a single acquisition with the given TTL.
func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, l.key)
	}
	return nil
}

// Unlock releases the lock if this Locker still owns it.
func (l *Locker) Unlock(ctx context.Context) error {
	released, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if released == int64(0) {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

// ExtendLock pushes the TTL out if this Locker still owns the lock. The
// holder calls this on a renewal ticker; an ErrNotHeld result means
// leadership was lost and the caller must stop its work loop.
func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	renewed, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if renewed == int64(0) {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

// WaitLock retries Lock with jittered sleeps until waitTimeout elapses or the
// context is cancelled.
func (l *Locker) WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Lock(ctx, lockTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Intn(100)) * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for lock %s", l.key)
}
