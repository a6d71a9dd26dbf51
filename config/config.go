// Package config loads the dedupd configuration.
//
// Values are layered in this order, later layers winning:
//  1. built-in defaults
//  2. an optional TOML file
//  3. DEDUP_* environment variables (DEDUP_REDIS_ADDR -> redis.addr)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "DEDUP_"

// Config holds all configuration for dedupd.
type Config struct {
	Addr            string         `koanf:"addr" validate:"required"`
	AdminAddr       string         `koanf:"admin_addr"`
	Store           string         `koanf:"store" validate:"required,oneof=memory redis dynamodb bolt"`
	ShutdownTimeout time.Duration  `koanf:"shutdown_timeout" validate:"gt=0"`
	Log             LogConfig      `koanf:"log"`
	Redis           RedisConfig    `koanf:"redis"`
	DynamoDB        DynamoDBConfig `koanf:"dynamodb"`
	Bolt            BoltConfig     `koanf:"bolt"`
}

// LogConfig controls process logging. Level and Format are case-insensitive.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// RedisConfig configures the redis store. Zero pool size and timeouts use the
// go-redis defaults.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"gte=0,lte=15"`
	Prefix       string        `koanf:"prefix"`
	PoolSize     int           `koanf:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
}

// DynamoDBConfig configures the dynamodb store. Region and credentials fall
// back to the AWS SDK default chain; Endpoint points at DynamoDB Local.
type DynamoDBConfig struct {
	Table    string `koanf:"table"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// BoltConfig configures the embedded bolt store.
type BoltConfig struct {
	Path          string        `koanf:"path"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gte=0"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Addr:            ":8080",
		AdminAddr:       ":9090",
		Store:           "memory",
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "dedup:",
		},
		DynamoDB: DynamoDBConfig{
			Table: "Dedup",
		},
		Bolt: BoltConfig{
			Path:          "dedup.db",
			SweepInterval: time.Hour,
		},
	}
}

// sections are the nested tables; their env vars split once after the section name.
var sections = []string{"log", "redis", "dynamodb", "bolt"}

// Load builds the configuration from defaults, the TOML file at path (skipped
// when path is empty), and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		data, err := readTOML(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawMap(data), nil); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// transformEnv maps DEDUP_REDIS_READ_TIMEOUT to redis.read_timeout and
// DEDUP_SHUTDOWN_TIMEOUT to shutdown_timeout. Unset values are dropped.
func transformEnv(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	k := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if k == "config" {
		return "", nil
	}
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(k, section+"_"); ok {
			return section + "." + rest, value
		}
	}
	return k, value
}

func readTOML(path string) (map[string]any, error) {
	data := make(map[string]any)
	if _, err := toml.DecodeFile(path, &data); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return data, nil
}

// rawMap is a koanf.Provider adapter for map[string]any data.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) {
	return r, nil
}

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, errors.New("ReadBytes not implemented")
}

// Validate checks field constraints and the settings the selected store needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Store {
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when store is redis")
		}
	case "dynamodb":
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required when store is dynamodb")
		}
	case "bolt":
		if c.Bolt.Path == "" {
			return errors.New("bolt.path is required when store is bolt")
		}
	}
	return nil
}
