package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// upsertScript atomically bumps a counter hash and stamps its expiry on creation.
// HINCRBY and HSET always apply; HSETNX only writes fst and exp when the hash is
// new, and EXPIREAT is attached only then so later upserts never move it.
// Returns [cnt, fst, lst, exp] as read back after the update.
var upsertScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'cnt', 1)
redis.call('HSET', KEYS[1], 'lst', ARGV[1])
local created = redis.call('HSETNX', KEYS[1], 'fst', ARGV[1])
redis.call('HSETNX', KEYS[1], 'exp', ARGV[2])
if created == 1 then
    redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return redis.call('HMGET', KEYS[1], 'cnt', 'fst', 'lst', 'exp')
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Each record is a hash; the upsert runs as a single Lua script so concurrent
// upserts from any number of instances never lose an increment.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace dedup data (default: "dedup:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	store, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "dedup:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "dedup:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// Get reads the record hash for key.
func (r *Redis) Get(ctx context.Context, key string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis get failed: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	rec, err := parseRecord(key, []any{fields["cnt"], fields["fst"], fields["lst"], fields["exp"]})
	if err != nil {
		return Record{}, fmt.Errorf("redis get failed: %w", err)
	}
	return rec, nil
}

// Upsert runs the upsert script for key in one round trip.
func (r *Redis) Upsert(ctx context.Context, key string, now time.Time) (Record, error) {
	result, err := upsertScript.Run(ctx, r.client, []string{r.prefix + key}, now.Unix(), ExpiresAt(now)).Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis upsert failed: %w", err)
	}

	rec, err := parseRecord(key, result)
	if err != nil {
		return Record{}, fmt.Errorf("redis upsert failed: %w", err)
	}
	return rec, nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// parseRecord decodes [cnt, fst, lst, exp] as returned by HMGET.
func parseRecord(key string, values []any) (Record, error) {
	if len(values) != 4 {
		return Record{}, fmt.Errorf("unexpected result length: got %d, want 4", len(values))
	}

	nums := make([]int64, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			return Record{}, errors.New("record is missing fields")
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid field value %q: %w", s, err)
		}
		nums[i] = n
	}
	if nums[0] < 1 {
		return Record{}, fmt.Errorf("invalid count: %d", nums[0])
	}

	return Record{
		Key:     key,
		Count:   uint64(nums[0]),
		First:   nums[1],
		Last:    nums[2],
		Expires: nums[3],
	}, nil
}
