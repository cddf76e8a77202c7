package stash

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AndrewDonelson/stash/internal/l1"
	"github.com/AndrewDonelson/stash/internal/l2"
	"github.com/AndrewDonelson/stash/internal/l3"
	"github.com/AndrewDonelson/stash/internal/serializer"
)

// ────────────────────────────────────────────────────────────────────────────
// Stats
// ────────────────────────────────────────────────────────────────────────────

type storeStats struct {
	Gets    atomic.Int64
	Sets    atomic.Int64
	Deletes atomic.Int64
	Errors  atomic.Int64
	Corrupt atomic.Int64
}

// Stats is the snapshot returned by Store.Stats().
type Stats struct {
	Gets       int64
	Sets       int64
	Deletes    int64
	Errors     int64
	Corrupt    int64 // stored payloads that failed to decode and were dropped
	DirtyCount int64
	L1Hits     int64
	L1Misses   int64
	L1Entries  int64
	L2Hits     int64
	L2Misses   int64
}

// ────────────────────────────────────────────────────────────────────────────
// Store
// ────────────────────────────────────────────────────────────────────────────

// Store is a prefixed key/value store that serializes values with the
// configured Serializer and keeps them in up to three tiers.
type Store struct {
	cfg           Config
	newSerializer func() Serializer
	l1            *l1.Store
	l2            *l2.Store
	l3            *l3.Store
	sync          *syncEngine
	stats         storeStats
	metrics       MetricsRecorder
	logger        Logger
	encryptor     Encryptor
	counterMu     sync.Mutex
	ownRedis      redis.UniversalClient
	ownPools      bool
	closed        atomic.Bool
}

// New creates and initialises a Store from cfg. L2 and L3 are enabled when
// their address, DSN or pre-built client is set; L1 is always on.
func New(cfg Config) (*Store, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, err := serializer.Factory(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:           cfg,
		newSerializer: factory,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}

	// Encryption
	if len(cfg.EncryptionKey) > 0 {
		enc, err := NewAES256GCM(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("stash: encryption init: %w", err)
		}
		s.encryptor = enc
	}

	// L1
	s.l1 = l1.New(l1.Options{
		TTL:           cfg.DefaultTTL,
		MaxEntries:    cfg.L1.MaxEntries,
		Eviction:      l1.EvictionPolicy(cfg.L1.Eviction),
		SweepInterval: cfg.L1.SweepInterval,
		Shards:        cfg.L1.Shards,
		Clock:         cfg.Clock,
	})

	// L2
	client := cfg.RedisClient
	if client == nil && cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.L2Pool.PoolSize,
			DialTimeout:  cfg.L2Pool.DialTimeout,
			ReadTimeout:  cfg.L2Pool.ReadTimeout,
			WriteTimeout: cfg.L2Pool.WriteTimeout,
		})
		s.ownRedis = client
	}
	if client != nil {
		s.l2 = l2.New(l2.Options{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
	}

	// L3
	if cfg.hasL3() {
		if err := s.openL3(); err != nil {
			s.l1.Close()
			_ = s.closeOwned()
			return nil, err
		}
	}

	// Sync engine
	s.sync = newSyncEngine(s)
	s.sync.start()

	s.logger.Info("stash: store ready",
		"version", Version(),
		"node", cfg.NodeID,
		"serializer", cfg.Serializer,
		"l2", s.l2 != nil,
		"l3", s.l3 != nil,
		"mode", cfg.WriteMode.String(),
	)
	return s, nil
}

func (s *Store) openL3() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, replica := s.cfg.PostgresPool, (*pgxpool.Pool)(nil)
	if pool == nil {
		var err error
		if pool, err = s.newPool(ctx, s.cfg.PostgresDSN); err != nil {
			return err
		}
		s.ownPools = true
		if s.cfg.PostgresReplicaDSN != "" {
			if replica, err = s.newPool(ctx, s.cfg.PostgresReplicaDSN); err != nil {
				pool.Close()
				return err
			}
		}
	}
	store, err := l3.New(pool, replica, s.cfg.PostgresTable, s.cfg.Clock)
	if err != nil {
		if s.ownPools {
			pool.Close()
			if replica != nil {
				replica.Close()
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.l3 = store
	if err := store.EnsureTable(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrL3Unavailable, err)
	}
	return nil
}

func (s *Store) newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres config: %v", ErrInvalidConfig, err)
	}
	pgCfg.MaxConns = s.cfg.L3Pool.MaxConns
	pgCfg.MinConns = s.cfg.L3Pool.MinConns
	pgCfg.MaxConnLifetime = s.cfg.L3Pool.MaxConnLifetime
	pgCfg.MaxConnIdleTime = s.cfg.L3Pool.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres pool: %w", ErrL3Unavailable, err)
	}
	return pool, nil
}

// key applies the store prefix.
func (s *Store) key(k string) string { return s.cfg.Prefix + k }

// NodeID identifies this store on the invalidation channel.
func (s *Store) NodeID() string { return s.cfg.NodeID }

// Serializer returns a fresh instance of the configured serializer.
func (s *Store) Serializer() Serializer { return s.newSerializer() }

// ────────────────────────────────────────────────────────────────────────────
// Reads
// ────────────────────────────────────────────────────────────────────────────

// Get returns the value stored under key, or ErrNotFound. A stored payload
// that fails to decode is dropped and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (Value, error) {
	if s.closed.Load() {
		return Value{}, ErrClosed
	}
	s.stats.Gets.Add(1)
	start := time.Now()
	v, err := s.routerGet(ctx, s.key(key))
	s.metrics.RecordLatency("get", time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.stats.Errors.Add(1)
	}
	return v, err
}

// GetOr returns the stored value, or def when the key is missing or cannot
// be read.
func (s *Store) GetOr(ctx context.Context, key string, def Value) Value {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// GetInto binds the stored value into dest, which must be a pointer, using
// msgpack struct tags. Objects bind as plain string-keyed maps.
func (s *Store) GetInto(ctx context.Context, key string, dest any) error {
	v, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	b, err := serializer.EncodeMsgpackPlain(v)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("stash: bind %s: %w", key, err)
	}
	return nil
}

// GetMany returns the values found for keys. Missing and undecodable keys
// are absent from the result.
func (s *Store) GetMany(ctx context.Context, keys ...string) (map[string]Value, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.stats.Gets.Add(int64(len(keys)))
	start := time.Now()
	defer func() { s.metrics.RecordLatency("get_many", time.Since(start)) }()

	out := make(map[string]Value, len(keys))
	pending := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.getL1(s.key(k)); ok {
			out[k] = v
			continue
		}
		pending = append(pending, k)
	}
	if len(pending) == 0 {
		return out, nil
	}

	if s.l2 != nil {
		full := make([]string, len(pending))
		for i, k := range pending {
			full[i] = s.key(k)
		}
		found, err := s.l2.GetMany(ctx, full)
		if err != nil {
			s.l2Failed("get_many", err)
		}
		rest := pending[:0]
		for _, k := range pending {
			if raw, ok := found[s.key(k)]; ok {
				if v, _, ok := s.decode(ctx, tierL2, s.key(k), raw); ok {
					s.metrics.RecordHit(tierL2)
					out[k] = v
					continue
				}
			}
			s.metrics.RecordMiss(tierL2)
			rest = append(rest, k)
		}
		pending = rest
	}

	if s.l3 != nil {
		for _, k := range pending {
			v, err := s.getL3(ctx, s.key(k))
			switch {
			case err == nil:
				out[k] = v
			case errors.Is(err, ErrNotFound):
			default:
				s.stats.Errors.Add(1)
				return out, err
			}
		}
	}
	return out, nil
}

// Has reports whether a live entry exists for key in any tier.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	fk := s.key(key)
	if s.l1.Has(fk) {
		return true, nil
	}
	if s.l2 != nil {
		ok, err := s.l2.Exists(ctx, fk)
		if err != nil {
			s.l2Failed("has", err)
		} else if ok {
			return true, nil
		}
	}
	if s.l3 != nil {
		ok, err := s.l3.Exists(ctx, fk)
		if err != nil {
			s.stats.Errors.Add(1)
			return false, fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
		return ok, nil
	}
	return false, nil
}

// Keys lists stored keys that start with prefix, without the store prefix,
// sorted and de-duplicated across tiers.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	full := s.key(prefix)
	seen := make(map[string]struct{})
	for _, k := range s.l1.Keys(full) {
		seen[k] = struct{}{}
	}
	if s.l2 != nil {
		keys, err := s.l2.Keys(ctx, full)
		if err != nil {
			s.l2Failed("keys", err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if s.l3 != nil {
		keys, err := s.l3.Keys(ctx, full)
		if err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, strings.TrimPrefix(k, s.cfg.Prefix))
	}
	sort.Strings(out)
	return out, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Writes
// ────────────────────────────────────────────────────────────────────────────

// Set serializes v and stores it under key. ttl == 0 uses DefaultTTL and
// NoExpiry (or any negative ttl) stores without expiry. Values the
// serializer cannot represent fail with an *EncodeError and nothing is written.
func (s *Store) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.stats.Sets.Add(1)
	start := time.Now()
	err := s.routerSet(ctx, s.key(key), v, ttl)
	s.metrics.RecordLatency("set", time.Since(start))
	if err != nil {
		s.stats.Errors.Add(1)
	}
	return err
}

// Delete removes key from every tier. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.stats.Deletes.Add(1)
	start := time.Now()
	err := s.routerDelete(ctx, s.key(key))
	s.metrics.RecordLatency("delete", time.Since(start))
	if err != nil {
		s.stats.Errors.Add(1)
	}
	return err
}

// Clear removes every key under the store prefix in every tier. Keys outside
// the prefix are untouched.
func (s *Store) Clear(ctx context.Context) error {
	return s.ClearPrefix(ctx, "")
}

// ClearPrefix removes every key starting with prefix.
func (s *Store) ClearPrefix(ctx context.Context, prefix string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	full := s.key(prefix)
	defer s.sync.holdFlush()()
	s.sync.dropDirtyPrefix(full)
	s.l1.FlushPrefix(full)
	if s.l2 != nil {
		if _, err := s.l2.Clear(ctx, full); err != nil {
			s.l2Failed("clear", err)
		}
	}
	if s.l3 != nil {
		if _, err := s.l3.Clear(ctx, full); err != nil {
			s.stats.Errors.Add(1)
			return fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
	}
	s.sync.publishInvalidation(ctx, full, opClear)
	return nil
}

// Increment adds by to the integer stored under key and returns the result.
// A missing key starts from zero. A non-integer value fails with
// ErrNotInteger. Increments on one Store are serialized.
func (s *Store) Increment(ctx context.Context, key string, by int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	var cur int64
	v, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if cur, err = integerOf(v); err != nil {
			return 0, fmt.Errorf("%w: %s holds %s", err, key, v.Kind())
		}
	}
	next := cur + by
	if err := s.Set(ctx, key, s.counterValue(next), 0); err != nil {
		return 0, err
	}
	return next, nil
}

// integerOf accepts ints and decimal text, which is how the text-only
// serializers hand counters back.
func integerOf(v Value) (int64, error) {
	switch v.Kind() {
	case KindInt:
		return v.AsInt(), nil
	case KindString:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.AsString()), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, ErrNotInteger
}

// counterValue stores counters as decimal text for serializers that only
// carry text.
func (s *Store) counterValue(n int64) Value {
	switch s.newSerializer().Name() {
	case "none", "base64":
		return String(strconv.FormatInt(n, 10))
	}
	return Int(n)
}

// Decrement subtracts by from the integer stored under key.
func (s *Store) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return s.Increment(ctx, key, -by)
}

// WarmCache loads up to limit live entries from L3 into L2 and L1, most
// recently written first. limit <= 0 loads everything. It returns the number
// of entries loaded; undecodable rows are skipped.
func (s *Store) WarmCache(ctx context.Context, limit int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.l3 == nil {
		return 0, ErrL3Unavailable
	}
	loaded := 0
	err := s.l3.Scan(ctx, s.cfg.Prefix, limit, func(r l3.Row) error {
		plain, err := s.open(r.Value)
		if err != nil {
			return nil
		}
		ser := s.newSerializer()
		ser.Unserialize(plain)
		if !ser.Success() {
			return nil
		}
		ttl := s.remaining(r.ExpiresAt)
		if s.l2 != nil {
			if err := s.l2.Set(ctx, r.Key, r.Value, l2TTL(ttl)); err != nil {
				s.l2Failed("warm", err)
			}
		}
		s.l1.Set(r.Key, plain, ttl)
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("%w: %w", ErrL3Unavailable, err)
	}
	return loaded, nil
}

// FlushDirty writes every queued write-behind entry to L3 now.
func (s *Store) FlushDirty(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sync.flushDirty(ctx)
}

// ────────────────────────────────────────────────────────────────────────────
// Health / Stats / Close
// ────────────────────────────────────────────────────────────────────────────

// Ping checks every configured remote tier.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.l2 != nil {
		if err := s.l2.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrL2Unavailable, err)
		}
	}
	if s.l3 != nil {
		if err := s.l3.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrL3Unavailable, err)
		}
	}
	return nil
}

// Stats returns a snapshot of operational counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Gets:    s.stats.Gets.Load(),
		Sets:    s.stats.Sets.Load(),
		Deletes: s.stats.Deletes.Load(),
		Errors:  s.stats.Errors.Load(),
		Corrupt: s.stats.Corrupt.Load(),
	}
	if s.sync != nil {
		st.DirtyCount = s.sync.dirtyCount.Load()
	}
	l1s := s.l1.Stats()
	st.L1Hits, st.L1Misses, st.L1Entries = l1s.Hits, l1s.Misses, int64(l1s.Entries)
	if s.l2 != nil {
		l2s := s.l2.Stats()
		st.L2Hits, st.L2Misses = l2s.Hits, l2s.Misses
	}
	return st
}

// Close flushes pending write-behind entries, stops background work and
// releases connections the Store opened itself. It is safe to call twice.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.sync != nil {
		s.sync.stop()
	}
	s.l1.Close()
	return s.closeOwned()
}

func (s *Store) closeOwned() error {
	var err error
	if s.ownRedis != nil {
		err = s.ownRedis.Close()
	}
	if s.l3 != nil && s.ownPools {
		s.l3.Close()
	}
	return err
}
