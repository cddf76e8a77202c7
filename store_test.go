package stash_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AndrewDonelson/stash"
	"github.com/AndrewDonelson/stash/internal/clock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newStore(t *testing.T, cfg stash.Config) *stash.Store {
	t.Helper()
	s, err := stash.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

// deadRedisAddr returns the address of a Redis server that has shut down.
func deadRedisAddr(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	return addr
}

type recorder struct {
	mu            sync.Mutex
	hits, misses  map[string]int
	errors        map[string]int
	invalidations map[string]int
}

func newRecorder() *recorder {
	return &recorder{
		hits:          map[string]int{},
		misses:        map[string]int{},
		errors:        map[string]int{},
		invalidations: map[string]int{},
	}
}

func (r *recorder) RecordHit(tier string) {
	r.mu.Lock()
	r.hits[tier]++
	r.mu.Unlock()
}

func (r *recorder) RecordMiss(tier string) {
	r.mu.Lock()
	r.misses[tier]++
	r.mu.Unlock()
}

func (r *recorder) RecordLatency(string, time.Duration) {}

func (r *recorder) RecordError(tier, op string) {
	r.mu.Lock()
	r.errors[tier+"/"+op]++
	r.mu.Unlock()
}

func (r *recorder) RecordInvalidation(op string) {
	r.mu.Lock()
	r.invalidations[op]++
	r.mu.Unlock()
}

func (r *recorder) count(m map[string]int, k string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[k]
}

type Product struct {
	ID    int    `msgpack:"id"`
	Name  string `msgpack:"name"`
	Price float64
	Tags  []string
}

// ── L1-only ───────────────────────────────────────────────────────────────────

func TestStore_SetGet_L1Only(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	cases := []struct {
		key  string
		in   any
		want stash.Value
	}{
		{"int", 1234, stash.Int(1234)},
		{"float", 1.234, stash.Float(1.234)},
		{"string", "Phalcon Framework", stash.String("Phalcon Framework")},
		{"array", []string{"Phalcon Framework"}, stash.Seq(stash.String("Phalcon Framework"))},
		{"object", stash.Object(), stash.Object()},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, tc.key, tc.in, 0))
			got, err := s.Get(ctx, tc.key)
			require.NoError(t, err)
			assert.True(t, stash.Equal(tc.want, got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newStore(t, stash.Config{})
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, stash.ErrNotFound)
}

func TestStore_Set_EncodeError(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	err := s.Set(ctx, "bad", map[string]any{"ch": make(chan int)}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, stash.ErrEncodeFailed)
	var encErr *stash.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "chan int", encErr.Type)

	ok, err := s.Has(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok, "nothing is written when encoding fails")
	assert.Equal(t, int64(1), s.Stats().Errors)
}

func TestStore_TTL_Expiry(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	s := newStore(t, stash.Config{Clock: clk, DefaultTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "v", time.Second))
	require.NoError(t, s.Set(ctx, "default", "v", 0))
	require.NoError(t, s.Set(ctx, "forever", "v", stash.NoExpiry))

	clk.Advance(2 * time.Second)
	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	_, err = s.Get(ctx, "default")
	assert.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = s.Get(ctx, "default")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestStore_DeleteHas(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	ok, err := s.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "never-set"))
	assert.Equal(t, int64(2), s.Stats().Deletes)
}

func TestStore_KeysAndClear(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	for _, k := range []string{"user:2", "user:1", "post:1"} {
		require.NoError(t, s.Set(ctx, k, 1, 0))
	}
	keys, err := s.Keys(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	require.NoError(t, s.ClearPrefix(ctx, "user:"))
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"post:1"}, keys)

	require.NoError(t, s.Clear(ctx))
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_IncrementDecrement(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	n, err := s.Increment(ctx, "hits", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Increment(ctx, "hits", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	n, err = s.Decrement(ctx, "hits", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	got, err := s.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, stash.KindInt, got.Kind())
	assert.Equal(t, int64(7), got.AsInt())

	require.NoError(t, s.Set(ctx, "name", "stash", 0))
	_, err = s.Increment(ctx, "name", 1)
	assert.ErrorIs(t, err, stash.ErrNotInteger)
}

func TestStore_Increment_Concurrent(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "counter", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.AsInt())
}

func TestStore_Increment_TextSerializer(t *testing.T) {
	s := newStore(t, stash.Config{Serializer: "base64"})
	ctx := context.Background()

	_, err := s.Increment(ctx, "n", 5)
	require.NoError(t, err)
	n, err := s.Increment(ctx, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestStore_GetOr(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	def := stash.String("fallback")
	assert.True(t, stash.Equal(def, s.GetOr(ctx, "missing", def)))

	require.NoError(t, s.Set(ctx, "present", 3, 0))
	assert.Equal(t, int64(3), s.GetOr(ctx, "present", def).AsInt())
}

func TestStore_GetInto(t *testing.T) {
	s := newStore(t, stash.Config{})
	ctx := context.Background()

	in := Product{ID: 7, Name: "lamp", Price: 19.5, Tags: []string{"home"}}
	require.NoError(t, s.Set(ctx, "p7", in, 0))

	var out Product
	require.NoError(t, s.GetInto(ctx, "p7", &out))
	assert.Equal(t, in, out)

	var generic map[string]any
	require.NoError(t, s.GetInto(ctx, "p7", &generic))
	assert.Equal(t, "lamp", generic["name"])

	assert.ErrorIs(t, s.GetInto(ctx, "nope", &out), stash.ErrNotFound)
}

func TestStore_InvalidSerializer(t *testing.T) {
	_, err := stash.New(stash.Config{Serializer: "xml"})
	assert.ErrorIs(t, err, stash.ErrInvalidConfig)
	assert.ErrorIs(t, err, stash.ErrUnknownSerializer)
}

func TestStore_Closed(t *testing.T) {
	s, err := stash.New(stash.Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close is a no-op")

	ctx := context.Background()
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, stash.ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", 1, 0), stash.ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, "k"), stash.ErrClosed)
	assert.ErrorIs(t, s.Clear(ctx), stash.ErrClosed)
	_, err = s.Has(ctx, "k")
	assert.ErrorIs(t, err, stash.ErrClosed)
	_, err = s.Keys(ctx, "")
	assert.ErrorIs(t, err, stash.ErrClosed)
	_, err = s.GetMany(ctx, "k")
	assert.ErrorIs(t, err, stash.ErrClosed)
	_, err = s.Increment(ctx, "k", 1)
	assert.ErrorIs(t, err, stash.ErrClosed)
	_, err = s.WarmCache(ctx, 0)
	assert.ErrorIs(t, err, stash.ErrClosed)
	assert.ErrorIs(t, s.FlushDirty(ctx), stash.ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), stash.ErrClosed)
}

func TestStore_WarmCache_NoL3(t *testing.T) {
	s := newStore(t, stash.Config{})
	_, err := s.WarmCache(context.Background(), 10)
	assert.ErrorIs(t, err, stash.ErrL3Unavailable)
}

// ── L2 (miniredis) ────────────────────────────────────────────────────────────

func TestStore_L2_DefaultPrefixAndWireFormat(t *testing.T) {
	mr := newRedis(t)
	s := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "n", 1234, time.Minute))
	raw, err := mr.Get("ph-memo-n")
	require.NoError(t, err)
	assert.Equal(t, string([]byte{0xcd, 0x04, 0xd2}), raw)
	assert.Equal(t, time.Minute, mr.TTL("ph-memo-n"))

	require.NoError(t, s.Set(ctx, "p", "v", stash.NoExpiry))
	assert.Zero(t, mr.TTL("ph-memo-p"))
}

func TestStore_L2_JSONSerializer(t *testing.T) {
	mr := newRedis(t)
	s := newStore(t, stash.Config{RedisAddr: mr.Addr(), Serializer: "json", Prefix: "app:"})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "list", []int{1, 2}, 0))
	raw, err := mr.Get("app:list")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", raw)
}

func TestStore_L2_BackfillsL1(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()

	writer := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	require.NoError(t, writer.Set(ctx, "k", "shared", time.Minute))

	rec := newRecorder()
	reader := newStore(t, stash.Config{RedisAddr: mr.Addr(), Metrics: rec})
	got, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "shared", got.AsString())
	assert.Equal(t, 1, rec.count(rec.hits, "l2"))
	assert.Equal(t, int64(1), reader.Stats().L1Entries)

	_, err = reader.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(rec.hits, "l1"))
}

func TestStore_L2_GetMany(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()

	writer := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	require.NoError(t, writer.Set(ctx, "a", 1, 0))
	require.NoError(t, writer.Set(ctx, "b", 2, 0))
	require.NoError(t, mr.Set("ph-memo-corrupt", "\xc1"))

	reader := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	require.NoError(t, reader.Set(ctx, "local", 3, 0))

	got, err := reader.GetMany(ctx, "a", "b", "local", "missing", "corrupt")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got["a"].AsInt())
	assert.Equal(t, int64(2), got["b"].AsInt())
	assert.Equal(t, int64(3), got["local"].AsInt())
	assert.False(t, mr.Exists("ph-memo-corrupt"))
}

func TestStore_L2_CorruptEntryIsMiss(t *testing.T) {
	mr := newRedis(t)
	core, logs := observer.New(zapcore.WarnLevel)
	rec := newRecorder()
	s := newStore(t, stash.Config{
		RedisAddr: mr.Addr(),
		Logger:    stash.NewZapLogger(zap.New(core)),
		Metrics:   rec,
	})
	require.NoError(t, mr.Set("ph-memo-bad", `??hello?messagepack"`))

	_, err := s.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	assert.False(t, mr.Exists("ph-memo-bad"), "undecodable entry is deleted")
	assert.Equal(t, int64(1), s.Stats().Corrupt)
	assert.Equal(t, 1, rec.count(rec.errors, "l2/decode"))

	entries := logs.FilterMessage("stash: dropping undecodable entry").All()
	require.Len(t, entries, 1)
	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "l2", ctxMap["tier"])
	assert.Equal(t, "ph-memo-bad", ctxMap["key"])
}

func TestStore_L2_KeysClearLeaveForeignKeys(t *testing.T) {
	mr := newRedis(t)
	s := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	ctx := context.Background()

	require.NoError(t, mr.Set("other-app:x", "1"))
	require.NoError(t, s.Set(ctx, "a", 1, 0))
	require.NoError(t, mr.Set("ph-memo-remote", "\x02"))

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "remote"}, keys)

	require.NoError(t, s.Clear(ctx))
	assert.False(t, mr.Exists("ph-memo-a"))
	assert.False(t, mr.Exists("ph-memo-remote"))
	assert.True(t, mr.Exists("other-app:x"))
}

func TestStore_L2_HasFromRedis(t *testing.T) {
	mr := newRedis(t)
	s := newStore(t, stash.Config{RedisAddr: mr.Addr()})
	require.NoError(t, mr.Set("ph-memo-x", "\x01"))

	ok, err := s.Has(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_L2_InjectedClient(t *testing.T) {
	mr := newRedis(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := stash.New(stash.Config{RedisClient: client, RedisKeyPrefix: "svc"})
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", 1, 0))
	assert.True(t, mr.Exists("svc:ph-memo-k"))
	require.NoError(t, s.Close())

	// the injected client stays usable after Close
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestStore_L2_Unavailable_DegradesToL1(t *testing.T) {
	rec := newRecorder()
	s := newStore(t, stash.Config{
		RedisAddr: deadRedisAddr(t),
		L2Pool:    stash.L2PoolConfig{DialTimeout: 50 * time.Millisecond, ReadTimeout: 50 * time.Millisecond},
		Metrics:   rec,
	})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got.AsString())
	assert.GreaterOrEqual(t, rec.count(rec.errors, "l2/set"), 1)
	assert.ErrorIs(t, s.Ping(ctx), stash.ErrL2Unavailable)
}

func TestStore_Encryption(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	s := newStore(t, stash.Config{RedisAddr: mr.Addr(), EncryptionKey: key})
	require.NoError(t, s.Set(ctx, "secret", "Phalcon Framework", 0))
	raw, err := mr.Get("ph-memo-secret")
	require.NoError(t, err)
	assert.NotContains(t, raw, "Phalcon")

	sameKey := newStore(t, stash.Config{RedisAddr: mr.Addr(), EncryptionKey: key})
	got, err := sameKey.Get(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "Phalcon Framework", got.AsString())

	otherKey := make([]byte, 32)
	wrongKey := newStore(t, stash.Config{RedisAddr: mr.Addr(), EncryptionKey: otherKey})
	_, err = wrongKey.Get(ctx, "secret")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	assert.Equal(t, int64(1), wrongKey.Stats().Corrupt)
}

func TestStore_Encryption_BadKey(t *testing.T) {
	_, err := stash.New(stash.Config{EncryptionKey: []byte("short")})
	assert.ErrorIs(t, err, stash.ErrInvalidConfig)
}
