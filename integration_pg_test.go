package stash_test

// integration_pg_test.go covers the paths that need a real PostgreSQL:
// L3 write-through and back-fill, expiry, WarmCache, write-behind flush and
// undecodable L3 rows. Skipped when Docker is unavailable.

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/AndrewDonelson/stash"
	"github.com/AndrewDonelson/stash/internal/clock"
)

// ─── Fixtures ────────────────────────────────────────────────────────────────

const (
	pgTestImage = "postgres:16-alpine"
	pgTestDB    = "stashintegration"
	pgTestUser  = "stashtest"
	pgTestPass  = "stashtest"
)

// fullStack holds the shared backends; open builds Stores over them.
type fullStack struct {
	dsn  string
	pool *pgxpool.Pool
	mini *miniredis.Miniredis
	clk  *clock.Mock
}

func newFullStack(t *testing.T) *fullStack {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgc, err := tcpg.Run(ctx, pgTestImage,
		tcpg.WithDatabase(pgTestDB),
		tcpg.WithUsername(pgTestUser),
		tcpg.WithPassword(pgTestPass),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := pgc.Terminate(ctx); err != nil {
			t.Logf("cleanup: terminate container: %v", err)
		}
	})

	dsn, err := pgc.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return &fullStack{dsn: dsn, pool: pool, mini: mr, clk: clock.NewMock(time.Time{})}
}

func (fs *fullStack) open(t *testing.T, cfg stash.Config) *stash.Store {
	t.Helper()
	cfg.PostgresDSN = fs.dsn
	cfg.RedisAddr = fs.mini.Addr()
	cfg.Clock = fs.clk
	s, err := stash.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (fs *fullStack) rowExists(t *testing.T, key string) bool {
	t.Helper()
	var n int
	err := fs.pool.QueryRow(context.Background(),
		"SELECT count(*) FROM stash_entries WHERE key = $1", key).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestIntegration_WriteThroughAndL3Backfill(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()

	writer := fs.open(t, stash.Config{})
	require.NoError(t, writer.Set(ctx, "product:1", Product{ID: 1, Name: "lamp"}, time.Hour))
	assert.True(t, fs.rowExists(t, "ph-memo-product:1"))
	assert.True(t, fs.mini.Exists("ph-memo-product:1"))

	fs.mini.FlushAll()
	reader := fs.open(t, stash.Config{})
	got, err := reader.Get(ctx, "product:1")
	require.NoError(t, err)
	assert.Equal(t, "Product", got.Class())
	name, _ := got.Field("name")
	assert.Equal(t, "lamp", name.AsString())

	assert.True(t, fs.mini.Exists("ph-memo-product:1"), "L3 hit back-fills L2")
	ttl := fs.mini.TTL("ph-memo-product:1")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestIntegration_L3Expiry(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()
	s := fs.open(t, stash.Config{})

	require.NoError(t, s.Set(ctx, "short", "v", time.Minute))
	require.NoError(t, s.Set(ctx, "keep", "v", stash.NoExpiry))
	fs.mini.FlushAll()
	fs.clk.Advance(2 * time.Minute)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	_, err = s.Get(ctx, "keep")
	assert.NoError(t, err)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, keys)
}

func TestIntegration_DeleteClearHas(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()
	s := fs.open(t, stash.Config{})

	require.NoError(t, s.Set(ctx, "a", 1, 0))
	require.NoError(t, s.Set(ctx, "b", 2, 0))
	require.NoError(t, s.Delete(ctx, "a"))
	assert.False(t, fs.rowExists(t, "ph-memo-a"))

	fs.mini.FlushAll()
	ok, err := s.Has(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Clear(ctx))
	assert.False(t, fs.rowExists(t, "ph-memo-b"))
}

func TestIntegration_CorruptL3RowIsMiss(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()
	s := fs.open(t, stash.Config{})

	_, err := fs.pool.Exec(ctx,
		"INSERT INTO stash_entries (key, value) VALUES ($1, $2)", "ph-memo-bad", []byte(`??hello?messagepack"`))
	require.NoError(t, err)

	_, err = s.Get(ctx, "bad")
	assert.ErrorIs(t, err, stash.ErrNotFound)
	assert.False(t, fs.rowExists(t, "ph-memo-bad"))
	assert.Equal(t, int64(1), s.Stats().Corrupt)
}

func TestIntegration_WarmCache(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()

	writer := fs.open(t, stash.Config{})
	for _, k := range []string{"w1", "w2", "w3"} {
		require.NoError(t, writer.Set(ctx, k, k, 0))
	}
	fs.mini.FlushAll()

	warm := fs.open(t, stash.Config{})
	n, err := warm.WarmCache(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), warm.Stats().L1Entries)

	n, err = warm.WarmCache(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, fs.mini.Keys(), 3)
}

func TestIntegration_WriteBehind(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()
	s := fs.open(t, stash.Config{
		WriteMode:                stash.WriteBehind,
		WriteBehindFlushInterval: time.Hour,
	})

	require.NoError(t, s.Set(ctx, "wb", 42, 0))
	assert.False(t, fs.rowExists(t, "ph-memo-wb"), "L3 write is deferred")
	assert.Equal(t, int64(1), s.Stats().DirtyCount)

	require.NoError(t, s.FlushDirty(ctx))
	assert.True(t, fs.rowExists(t, "ph-memo-wb"))
	assert.Equal(t, int64(0), s.Stats().DirtyCount)
}

func TestIntegration_WriteBehind_FlushedOnClose(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()
	s, err := stash.New(stash.Config{
		PostgresDSN:              fs.dsn,
		Clock:                    fs.clk,
		WriteMode:                stash.WriteBehind,
		WriteBehindFlushInterval: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "late", "v", 0))
	require.NoError(t, s.Close())
	assert.True(t, fs.rowExists(t, "ph-memo-late"))
}

func TestIntegration_InjectedPoolAndReplica(t *testing.T) {
	fs := newFullStack(t)
	ctx := context.Background()

	s, err := stash.New(stash.Config{
		PostgresPool:  fs.pool,
		PostgresTable: "custom_entries",
		Clock:         fs.clk,
	})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v", 0))
	require.NoError(t, s.Close())
	assert.NoError(t, fs.pool.Ping(ctx), "injected pool stays open")

	r := fs.open(t, stash.Config{PostgresReplicaDSN: fs.dsn, PostgresTable: "custom_entries"})
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got.AsString())
	assert.NoError(t, r.Ping(ctx))
}

