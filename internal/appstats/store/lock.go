// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock only if it still holds our token, so a
// worker that lost the lock to TTL expiry cannot release a successor's lock.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Lock is an advisory lock with a TTL. Acquisition is a single
// SET key token NX EX ttl; the TTL releases the lock if the holder crashes.
type Lock struct {
	s     *Store
	key   string
	token string
	ttl   time.Duration
}

// NewLock builds a lock on the given key (namespaced under the store
// prefix) with the given TTL.
func (s *Store) NewLock(key string, ttl time.Duration) *Lock {
	return &Lock{s: s, key: s.Key("lock", key), ttl: ttl}
}

// Acquire attempts to take the lock. It returns false without error when
// another holder has it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.s.c.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release frees the lock if we still hold it. Releasing a lock that was
// stolen by TTL expiry is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	err := l.s.c.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
	l.token = ""
	return err
}
