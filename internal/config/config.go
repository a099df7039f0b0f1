package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr       = ":8080"
	DefaultReconcileTimeout = 3 * time.Second
	DefaultMaxBodyBytes     = 1 << 20
	DefaultRedisKeyPrefix   = "hookingest"
)

// RedisConfig configures the deferred-work queue. An empty Addr disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL      string `yaml:"db_url"`
	ListenAddr string `yaml:"listen_addr"`
	// APIKeys maps an operator API key to the operator name. In the file it is
	// written name: key.
	APIKeys          map[string]string `yaml:"-"`
	Redis            RedisConfig       `yaml:"redis"`
	TranscriptRoot   string            `yaml:"transcript_root"`
	ReconcileTimeout time.Duration     `yaml:"reconcile_timeout"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes"`
	LogLevel         string            `yaml:"log_level"`
	LogFormat        string            `yaml:"log_format"`
}

type fileConfig struct {
	Config  `yaml:",inline"`
	APIKeys map[string]string `yaml:"api_keys"`
}

// Load reads the optional YAML file at path, then applies environment
// overrides and defaults.
// API_KEYS format: "operator1:key1,operator2:key2"
func Load(path string) (Config, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg := fc.Config
	cfg.APIKeys = map[string]string{}
	for name, key := range fc.APIKeys {
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if name == "" || key == "" {
			return Config{}, errors.New("api_keys entries need a name and a key")
		}
		cfg.APIKeys[key] = name
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.DBURL == "" {
		return Config{}, errors.New("DB_URL required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBURL, "DB_URL")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setString(&cfg.TranscriptRoot, "TRANSCRIPT_ROOT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	if v := env("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := env("RECONCILE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RECONCILE_TIMEOUT: %w", err)
		}
		cfg.ReconcileTimeout = d
	}
	if v := env("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}

	if raw := env("API_KEYS"); raw != "" {
		keys, err := ParseAPIKeys(raw)
		if err != nil {
			return err
		}
		cfg.APIKeys = keys
	}
	return nil
}

func applyDefaults(cfg *Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = DefaultReconcileTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.TranscriptRoot == "" {
		cfg.TranscriptRoot = "~/.claude/projects"
	}
	if strings.HasPrefix(cfg.TranscriptRoot, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve transcript root: %w", err)
		}
		cfg.TranscriptRoot = filepath.Join(home, cfg.TranscriptRoot[2:])
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys = map[string]string{"operator-key-123": "operator"}
	}
	return nil
}

// ParseAPIKeys parses "name:key,name:key" into key -> name.
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
		}
		keys[key] = name
	}
	return keys, nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func setString(dst *string, name string) {
	if v := env(name); v != "" {
		*dst = v
	}
}
