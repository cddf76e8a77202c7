// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// l2.go — Redis-backed L2 tier holding opaque payloads: CRUD with TTL,
// remaining-TTL reads for back-fill, SCAN-based listing and clearing,
// pipelined batch reads, pub/sub for invalidation, and the ErrMiss sentinel
// that drives tier fallthrough in the store.

// Package l2 provides the Redis tier adapter.
package l2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist in Redis.
// Callers use errors.Is(err, l2.ErrMiss) to distinguish a miss from a
// genuine Redis error.
var ErrMiss = errors.New("l2: miss")

// NoExpiry is the remaining TTL reported for keys without an expiry.
const NoExpiry time.Duration = -1

const scanCount = 100

// cmdSlicePool pools []*redis.StringCmd slices to eliminate the per-call
// make() allocation inside GetMany. Slices are reset to zero length before
// pooling so that the GC can collect any stale *StringCmd references.
var cmdSlicePool = sync.Pool{
	New: func() any {
		s := make([]*redis.StringCmd, 0, 16)
		return &s
	},
}

// setArgsPool pools the []interface{} slice used to build SET arguments.
var setArgsPool = sync.Pool{
	New: func() any {
		s := make([]interface{}, 0, 6) // "set", key, value, "ex"/"px", ttl, (spare)
		return &s
	},
}

// Store is the L2 Redis adapter.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	hits      atomic.Int64
	misses    atomic.Int64
}

// Options configures a new L2 Store.
type Options struct {
	Client redis.UniversalClient
	// KeyPrefix namespaces every key as KeyPrefix + ":" + key.
	KeyPrefix string
}

// New creates a new L2 Store.
func New(opts Options) *Store {
	return &Store{client: opts.Client, keyPrefix: opts.KeyPrefix}
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

func (s *Store) key(k string) string {
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + k
	}
	return k
}

func (s *Store) unkey(k string) string {
	if s.keyPrefix != "" {
		return strings.TrimPrefix(k, s.keyPrefix+":")
	}
	return k
}

// set sends a SET command using a pooled args slice.
//   - whole seconds → EX
//   - anything else → PX, at least 1ms
//   - ttl <= 0      → no expiry argument
//
// client.Do() is synchronous, so resetting the pooled slice after Err() is safe.
func (s *Store) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ap := setArgsPool.Get().(*[]interface{})
	args := (*ap)[:0]
	switch {
	case ttl > 0 && ttl%time.Second != 0:
		args = append(args, "set", key, value, "px", max(ttl.Milliseconds(), 1))
	case ttl > 0:
		args = append(args, "set", key, value, "ex", int64(ttl.Seconds()))
	default:
		args = append(args, "set", key, value)
	}
	err := s.client.Do(ctx, args...).Err()
	for i := range args {
		args[i] = nil
	}
	*ap = args[:0]
	setArgsPool.Put(ap)
	return err
}

// Set stores data under key. A ttl <= 0 persists the key indefinitely.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	k := s.key(key)
	if err := s.set(ctx, k, data, ttl); err != nil {
		return fmt.Errorf("l2 set %s: %w", k, err)
	}
	return nil
}

// Get returns the payload stored under key, or ErrMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	k := s.key(key)
	b, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("l2 get %s: %w", k, err)
	}
	s.hits.Add(1)
	return b, nil
}

// GetWithTTL returns the payload and its remaining TTL in one round trip.
// Keys without an expiry report NoExpiry. A TTL of 0 means the remaining
// lifetime is unknown.
func (s *Store) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	k := s.key(key)
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	_, _ = pipe.Exec(ctx)

	b, err := get.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("l2 get %s: %w", k, err)
	}
	s.hits.Add(1)
	return b, remainingTTL(pttl.Result()), nil
}

// remainingTTL maps a PTTL reply to the value GetWithTTL reports. -1 means
// the key has no expiry. A key that expired between GET and PTTL (-2), or a
// failed PTTL, reports 0 so the payload is served without being back-filled.
func remainingTTL(ttl time.Duration, err error) time.Duration {
	switch {
	case err != nil:
		return 0
	case ttl == -1:
		return NoExpiry
	case ttl < 0:
		return 0
	}
	return ttl
}

// Exists checks whether a key exists in Redis.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	k := s.key(key)
	n, err := s.client.Exists(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("l2 exists %s: %w", k, err)
	}
	return n > 0, nil
}

// Delete removes keys from Redis. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}

// GetMany retrieves multiple payloads using a Redis pipeline.
// Returns a map of key -> raw bytes; missing keys are absent.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	pipe := s.client.Pipeline()

	sp := cmdSlicePool.Get().(*[]*redis.StringCmd)
	cmds := (*sp)[:0]
	if cap(cmds) < len(keys) {
		cmds = make([]*redis.StringCmd, 0, len(keys))
	}
	cmds = cmds[:len(keys)]
	defer func() {
		for i := range cmds {
			cmds[i] = nil
		}
		*sp = cmds[:0]
		cmdSlicePool.Put(sp)
	}()

	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, s.key(k))
	}
	_, _ = pipe.Exec(ctx)
	result := make(map[string][]byte, len(keys))
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				s.misses.Add(1)
				continue
			}
			return nil, fmt.Errorf("l2 get-many key=%s: %w", keys[i], err)
		}
		s.hits.Add(1)
		result[keys[i]] = b
	}
	return result, nil
}

// scan walks every key matching prefix and hands each page to fn.
func (s *Store) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	pattern := escapeGlob(s.key(prefix)) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("l2 scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Keys lists keys starting with prefix, without the global key prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.scan(ctx, prefix, func(keys []string) error {
		for _, k := range keys {
			out = append(out, s.unkey(k))
		}
		return nil
	})
	return out, err
}

// Clear removes every key starting with prefix using SCAN+DEL and returns
// how many were deleted.
func (s *Store) Clear(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.scan(ctx, prefix, func(keys []string) error {
		deleted, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("l2 clear: %w", err)
		}
		n += deleted
		return nil
	})
	return n, err
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Publish sends a message to the given channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a pub/sub subscription on the given channel.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stats holds hit and miss counts.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}
