package stash

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/AndrewDonelson/stash/internal/clock"
	"github.com/AndrewDonelson/stash/internal/metrics"
	"github.com/AndrewDonelson/stash/internal/serializer"
)

// Re-export types so callers only import this package.
type (
	MetricsRecorder = metrics.MetricsRecorder
	Clock           = clock.Clock
)

// NoExpiry stores an entry without a TTL. A zero TTL means Config.DefaultTTL.
const NoExpiry time.Duration = -1

// Defaults applied by Config.defaults.
const (
	DefaultPrefix              = "ph-memo-"
	DefaultSerializer          = "msgpack"
	DefaultTTL                 = time.Hour
	DefaultPostgresTable       = "stash_entries"
	DefaultInvalidationChannel = "stash:invalidate"
)

// EvictionPolicy selects how L1 makes room when full.
type EvictionPolicy int

const (
	EvictLRU  EvictionPolicy = iota // least recently used
	EvictLFU                        // least frequently used
	EvictFIFO                       // first in, first out
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictLFU:
		return "lfu"
	case EvictFIFO:
		return "fifo"
	}
	return "lru"
}

// UnmarshalText accepts "lru", "lfu" or "fifo".
func (p *EvictionPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "lru":
		*p = EvictLRU
	case "lfu":
		*p = EvictLFU
	case "fifo":
		*p = EvictFIFO
	default:
		return fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidConfig, text)
	}
	return nil
}

// UnmarshalYAML decodes the policy name.
func (p *EvictionPolicy) UnmarshalYAML(node *yaml.Node) error {
	return p.UnmarshalText([]byte(node.Value))
}

// WriteMode controls when L3 is written.
type WriteMode int

const (
	// WriteThrough writes L3, then L2, then L1 before Set returns.
	WriteThrough WriteMode = iota
	// WriteBehind writes L2 and L1 synchronously and queues the L3 write.
	WriteBehind
)

func (m WriteMode) String() string {
	if m == WriteBehind {
		return "write-behind"
	}
	return "write-through"
}

// UnmarshalText accepts "write-through" or "write-behind".
func (m *WriteMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "write-through", "writethrough":
		*m = WriteThrough
	case "write-behind", "writebehind":
		*m = WriteBehind
	default:
		return fmt.Errorf("%w: unknown write mode %q", ErrInvalidConfig, text)
	}
	return nil
}

// UnmarshalYAML decodes the mode name.
func (m *WriteMode) UnmarshalYAML(node *yaml.Node) error {
	return m.UnmarshalText([]byte(node.Value))
}

// L1Config configures the in-memory L1 tier.
type L1Config struct {
	MaxEntries    int            `yaml:"max_entries"`
	Eviction      EvictionPolicy `yaml:"eviction"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
	Shards        int            `yaml:"shards"`
}

// L2PoolConfig configures the Redis L2 client.
type L2PoolConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// L3PoolConfig configures the PostgreSQL L3 connection pool.
type L3PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// Config contains all Store configuration.
type Config struct {
	// Prefix namespaces every key in every tier.
	Prefix string `yaml:"prefix"`
	// Serializer names the payload format; see SerializerNames.
	Serializer string `yaml:"serializer"`
	// DefaultTTL applies when Set is called with ttl == 0. NoExpiry disables it.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	L1 L1Config `yaml:"l1"`

	RedisAddr      string       `yaml:"redis_addr"`
	RedisPassword  string       `yaml:"redis_password"`
	RedisDB        int          `yaml:"redis_db"`
	RedisKeyPrefix string       `yaml:"redis_key_prefix"`
	L2Pool         L2PoolConfig `yaml:"l2_pool"`

	PostgresDSN        string        `yaml:"postgres_dsn"`
	PostgresReplicaDSN string        `yaml:"postgres_replica_dsn"`
	PostgresTable      string        `yaml:"postgres_table"`
	L3Pool             L3PoolConfig  `yaml:"l3_pool"`
	L3SweepInterval    time.Duration `yaml:"l3_sweep_interval"`

	// Write behaviour
	WriteMode                 WriteMode     `yaml:"write_mode"`
	WriteBehindFlushInterval  time.Duration `yaml:"write_behind_flush_interval"`
	WriteBehindFlushThreshold int           `yaml:"write_behind_flush_threshold"`
	WriteBehindMaxRetry       int           `yaml:"write_behind_max_retry"`

	// Invalidation
	InvalidationChannel string `yaml:"invalidation_channel"`
	NodeID              string `yaml:"node_id"`

	// EncryptionKey must be 32 bytes for AES-256-GCM; nil disables sealing.
	EncryptionKey []byte `yaml:"-"`

	// Pre-built clients take precedence over RedisAddr / PostgresDSN and are
	// not closed by Store.Close.
	RedisClient  redis.UniversalClient `yaml:"-"`
	PostgresPool *pgxpool.Pool         `yaml:"-"`

	// Optional overrideable components
	Clock              Clock                       `yaml:"-"`
	Metrics            MetricsRecorder             `yaml:"-"`
	Logger             Logger                      `yaml:"-"`
	OnWriteBehindError func(key string, err error) `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Serializer == "" {
		c.Serializer = DefaultSerializer
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.L1.MaxEntries == 0 {
		c.L1.MaxEntries = 100_000
	}
	if c.L1.SweepInterval == 0 {
		c.L1.SweepInterval = 30 * time.Second
	}
	if c.PostgresTable == "" {
		c.PostgresTable = DefaultPostgresTable
	}
	if c.L3Pool.MaxConns == 0 {
		c.L3Pool.MaxConns = 20
	}
	if c.L3Pool.MinConns == 0 {
		c.L3Pool.MinConns = 2
	}
	if c.L3Pool.MaxConnLifetime == 0 {
		c.L3Pool.MaxConnLifetime = 30 * time.Minute
	}
	if c.L3Pool.MaxConnIdleTime == 0 {
		c.L3Pool.MaxConnIdleTime = 10 * time.Minute
	}
	if c.L3SweepInterval == 0 {
		c.L3SweepInterval = time.Minute
	}
	if c.WriteBehindFlushInterval == 0 {
		c.WriteBehindFlushInterval = 500 * time.Millisecond
	}
	if c.WriteBehindFlushThreshold == 0 {
		c.WriteBehindFlushThreshold = 100
	}
	if c.WriteBehindMaxRetry == 0 {
		c.WriteBehindMaxRetry = 5
	}
	if c.InvalidationChannel == "" {
		c.InvalidationChannel = DefaultInvalidationChannel
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// hasL2 reports whether the Redis tier is configured.
func (c *Config) hasL2() bool { return c.RedisClient != nil || c.RedisAddr != "" }

// hasL3 reports whether the PostgreSQL tier is configured.
func (c *Config) hasL3() bool { return c.PostgresPool != nil || c.PostgresDSN != "" }

// Validate checks a Config after defaults are applied. Every error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	c.defaults()
	if _, err := serializer.New(c.Serializer); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.DefaultTTL < 0 && c.DefaultTTL != NoExpiry {
		return fmt.Errorf("%w: default_ttl %s is negative", ErrInvalidConfig, c.DefaultTTL)
	}
	if c.L1.MaxEntries < 0 {
		return fmt.Errorf("%w: l1.max_entries must not be negative", ErrInvalidConfig)
	}
	if c.L1.Shards < 0 || c.L1.Shards&(c.L1.Shards-1) != 0 {
		return fmt.Errorf("%w: l1.shards must be a power of two", ErrInvalidConfig)
	}
	if n := len(c.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("%w: encryption key must be 32 bytes (got %d)", ErrInvalidConfig, n)
	}
	if c.L3Pool.MinConns > c.L3Pool.MaxConns {
		return fmt.Errorf("%w: l3_pool.min_conns %d exceeds max_conns %d",
			ErrInvalidConfig, c.L3Pool.MinConns, c.L3Pool.MaxConns)
	}
	if c.WriteMode == WriteBehind && !c.hasL3() {
		return fmt.Errorf("%w: write-behind needs a postgres tier", ErrInvalidConfig)
	}
	if c.PostgresReplicaDSN != "" && c.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres_replica_dsn set without postgres_dsn", ErrInvalidConfig)
	}
	return nil
}

// fileConfig is the on-disk form of Config.
type fileConfig struct {
	Config        `yaml:",inline"`
	EncryptionKey string `yaml:"encryption_key"` // standard base64
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment before parsing; durations use Go syntax such as "90s".
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("stash: read config: %w", err)
	}
	return ParseConfig([]byte(os.ExpandEnv(string(raw))))
}

// ParseConfig decodes YAML config bytes without environment expansion.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := fc.Config
	if fc.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(fc.EncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("%w: encryption_key is not base64: %v", ErrInvalidConfig, err)
		}
		cfg.EncryptionKey = key
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
