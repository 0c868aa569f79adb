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

// Package store wraps the low-latency key/value store (Redis) behind the
// small capability surface the counters need: float counters, lists,
// sorted sets, pipelining and an advisory TTL lock. Every key is namespaced
// under a configured prefix; identifier components are joined with commas,
// which is why commas are banned in app ids and names.
package store

import (
	"context"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Store is a thin capability wrapper over a Redis client. It is safe for
// concurrent use; all state lives in Redis itself.
type Store struct {
	c      redis.UniversalClient
	prefix string
}

// New builds a Store over a dedicated go-redis client.
func New(addr string, db int, prefix string) *Store {
	return &Store{
		c:      redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

// NewWithClient wraps an existing client. Used by tests (miniredis) and by
// callers that share one connection pool across components.
func NewWithClient(c redis.UniversalClient, prefix string) *Store {
	return &Store{c: c, prefix: prefix}
}

// Key joins the prefix and the given components with the reserved comma
// separator.
func (s *Store) Key(parts ...string) string {
	return strings.Join(append([]string{s.prefix}, parts...), ",")
}

// Prefix returns the configured key prefix.
func (s *Store) Prefix() string { return s.prefix }

// IncrByFloat atomically adds delta to the float counter at key.
func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) error {
	return s.c.IncrByFloat(ctx, key, delta).Err()
}

// GetFloat reads a float counter. A missing key reads as 0.
func (s *Store) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := s.c.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// GetInt reads an integer value. ok is false when the key does not exist.
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.c.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetInt stores an integer value with no expiry.
func (s *Store) SetInt(ctx context.Context, key string, v int64) error {
	return s.c.Set(ctx, key, strconv.FormatInt(v, 10), 0).Err()
}

// LLen returns the length of the list at key (0 when missing).
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.c.LLen(ctx, key).Result()
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, vals ...interface{}) error {
	return s.c.RPush(ctx, key, vals...).Err()
}

// LRangeFloats returns the whole list at key parsed as floats.
func (s *Store) LRangeFloats(ctx context.Context, key string) ([]float64, error) {
	raw, err := s.c.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		f, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ZAdd inserts member into the sorted set at key with the given score,
// replacing any previous score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZMembers returns every member of the sorted set at key in score order.
func (s *Store) ZMembers(ctx context.Context, key string) ([]string, error) {
	return s.c.ZRange(ctx, key, 0, -1).Result()
}

// ZMembersOlderThan returns members whose score is <= max.
func (s *Store) ZMembersOlderThan(ctx context.Context, key string, max float64) ([]string, error) {
	return s.c.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

// ZRemOlderThan removes members whose score is <= max and returns how many
// were removed.
func (s *Store) ZRemOlderThan(ctx context.Context, key string, max float64) (int64, error) {
	return s.c.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Result()
}

// Del removes the given keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.c.Del(ctx, keys...).Err()
}

// DelByPrefix removes every key under the store prefix. Maintenance only
// (the clear command); never called on a hot path.
func (s *Store) DelByPrefix(ctx context.Context) error {
	iter := s.c.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := s.c.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.c.Del(ctx, keys...).Err()
	}
	return nil
}

// Ping verifies connectivity. Called once at startup so a bad address
// fails fast instead of during the first rollup.
func (s *Store) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.c.Close() }

// Batch accumulates mutations in a client-side pipeline and flushes them in
// bounded chunks so a large update cycle cannot hold an unbounded buffer.
// Not safe for concurrent use; each update run owns one Batch.
type Batch struct {
	s      *Store
	pipe   redis.Pipeliner
	queued int
	limit  int
}

// DefaultBatchLimit bounds how many queued commands a Batch holds before an
// implicit flush.
const DefaultBatchLimit = 10000

// NewBatch returns a Batch flushing every limit commands (DefaultBatchLimit
// when limit <= 0).
func (s *Store) NewBatch(limit int) *Batch {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Batch{s: s, pipe: s.c.Pipeline(), limit: limit}
}

// NewUnboundedBatch returns a Batch that executes only on an explicit
// Flush. Required where the queued mutations must not reach the store
// until a dependent write elsewhere has succeeded, so a Discard can still
// roll back everything.
func (s *Store) NewUnboundedBatch() *Batch {
	return &Batch{s: s, pipe: s.c.Pipeline()}
}

func (b *Batch) bump(ctx context.Context) error {
	b.queued++
	if b.limit > 0 && b.queued >= b.limit {
		return b.Flush(ctx)
	}
	return nil
}

// IncrByFloat queues a float increment.
func (b *Batch) IncrByFloat(ctx context.Context, key string, delta float64) error {
	b.pipe.IncrByFloat(ctx, key, delta)
	return b.bump(ctx)
}

// SetInt queues an integer set.
func (b *Batch) SetInt(ctx context.Context, key string, v int64) error {
	b.pipe.Set(ctx, key, strconv.FormatInt(v, 10), 0)
	return b.bump(ctx)
}

// ZAdd queues a sorted-set insert.
func (b *Batch) ZAdd(ctx context.Context, key string, score float64, member string) error {
	b.pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	return b.bump(ctx)
}

// Shift queues one ring shift on the list at key: drop the oldest part,
// append val as the newest.
func (b *Batch) Shift(ctx context.Context, key string, val float64) error {
	b.pipe.LPop(ctx, key)
	b.pipe.RPush(ctx, key, strconv.FormatFloat(val, 'f', -1, 64))
	b.queued++
	return b.bump(ctx)
}

// Flush executes all queued commands.
func (b *Batch) Flush(ctx context.Context) error {
	if b.queued == 0 {
		return nil
	}
	_, err := b.pipe.Exec(ctx)
	b.queued = 0
	return err
}

// Discard drops any queued commands without executing them. Used when a
// rollup fails after the decrements were queued, so counters are not
// decremented for rows that never reached the archive.
func (b *Batch) Discard() {
	b.pipe.Discard()
	b.queued = 0
}
