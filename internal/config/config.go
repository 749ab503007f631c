package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Default read size of the streaming socket
const DefaultReadBufferSize = 252000

// Config holds all configuration
type Config struct {
	Peer      PeerConfig
	Authority AuthorityConfig
	Stream    StreamConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Store     StoreConfig
	Log       LogConfig
}

// PeerConfig describes the analytics endpoint and the identity used against it
type PeerConfig struct {
	Host     string
	Ports    [2]int // [insecure, secure]
	Secure   bool
	Kind     string
	Platform string
	Grid     string
	IP       string
	Token    string
}

// AuthorityConfig holds bearer authority configuration
type AuthorityConfig struct {
	URL        string // Overrides https://{grid}.api.eulerian.{platform}
	TimeoutSec int    // 0 means no timeout
}

// StreamConfig holds streaming session configuration
type StreamConfig struct {
	ReadBufferSize int
}

// CacheConfig selects where bearers are cached
type CacheConfig struct {
	Backend   string // memory | redis
	KeyPrefix string
	KeyTTLSec int // lifetime of shared bearers, bounded by their exp claim
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig holds job history configuration
type StoreConfig struct {
	Enabled bool
	DSN     string
	Migrate bool
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string // text | json
}

// lookup resolves one setting: envKey first, then section/key of the INI
// file when one was loaded, then the default
type lookup func(envKey, section, key, defaultValue string) string

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return build(func(envKey, _, _, defaultValue string) string {
		return getEnv(envKey, defaultValue)
	})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	_ = godotenv.Load()

	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	return build(func(envKey, section, key, defaultValue string) string {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		// Priority 2: INI file
		if value := cfgFile.Section(section).Key(key).String(); value != "" {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	})
}

func build(get lookup) (*Config, error) {
	getInt := func(envKey, section, key string, defaultValue int) int {
		if value, err := strconv.Atoi(get(envKey, section, key, "")); err == nil {
			return value
		}
		return defaultValue
	}
	getBool := func(envKey, section, key string, defaultValue bool) bool {
		switch strings.ToLower(get(envKey, section, key, "")) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return defaultValue
	}

	ports, err := parsePorts(get("EDW_PORTS", "peer", "ports", "80,443"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Peer: PeerConfig{
			Host:     get("EDW_HOST", "peer", "host", ""),
			Ports:    ports,
			Secure:   getBool("EDW_SECURE", "peer", "secure", true),
			Kind:     get("EDW_KIND", "peer", "kind", "access"),
			Platform: get("EDW_PLATFORM", "peer", "platform", "com"),
			Grid:     get("EDW_GRID", "peer", "grid", ""),
			IP:       get("EDW_IP", "peer", "ip", ""),
			Token:    get("EDW_TOKEN", "peer", "token", ""),
		},
		Authority: AuthorityConfig{
			URL:        get("AUTHORITY_URL", "authority", "url", ""),
			TimeoutSec: getInt("AUTHORITY_TIMEOUT_SEC", "authority", "timeout_sec", 0),
		},
		Stream: StreamConfig{
			ReadBufferSize: getInt("STREAM_READ_BUFFER", "stream", "read_buffer", DefaultReadBufferSize),
		},
		Cache: CacheConfig{
			Backend:   get("CACHE_BACKEND", "cache", "backend", "memory"),
			KeyPrefix: get("CACHE_KEY_PREFIX", "cache", "key_prefix", "edw:bearer:"),
			KeyTTLSec: getInt("CACHE_KEY_TTL_SEC", "cache", "key_ttl_sec", 3600),
		},
		Redis: RedisConfig{
			Addr:     get("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: get("REDIS_PASS", "redis", "pass", ""),
			DB:       getInt("REDIS_DB", "redis", "db", 0),
		},
		Store: StoreConfig{
			Enabled: getBool("JOB_STORE_ENABLED", "store", "enabled", false),
			DSN:     get("MYSQL_DSN", "store", "dsn", ""),
			Migrate: getBool("MIGRATE", "store", "migrate", false),
		},
		Log: LogConfig{
			Level:  get("LOG_LEVEL", "log", "level", "info"),
			Format: get("LOG_FORMAT", "log", "format", "text"),
		},
	}

	if cfg.Peer.Host == "" && cfg.Peer.Grid != "" {
		cfg.Peer.Host = fmt.Sprintf("%s.edw.ea.eulerian.%s", cfg.Peer.Grid, cfg.Peer.Platform)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.Peer.Grid == "" {
		return fmt.Errorf("EDW_GRID is required")
	}
	if c.Peer.Token == "" {
		return fmt.Errorf("EDW_TOKEN is required")
	}
	if c.Peer.IP == "" {
		return fmt.Errorf("EDW_IP is required")
	}
	if c.Peer.Host == "" {
		return fmt.Errorf("EDW_HOST is required")
	}
	if c.Stream.ReadBufferSize <= 0 {
		return fmt.Errorf("STREAM_READ_BUFFER must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.KeyTTLSec <= 0 {
		return fmt.Errorf("CACHE_KEY_TTL_SEC must be positive with the redis backend")
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required when JOB_STORE_ENABLED=1")
	}
	return nil
}

// parsePorts parses "insecure,secure"
func parsePorts(value string) ([2]int, error) {
	var ports [2]int
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return ports, fmt.Errorf("EDW_PORTS must be \"insecure,secure\", got %q", value)
	}
	for i, part := range parts {
		port, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || port <= 0 || port > 65535 {
			return ports, fmt.Errorf("invalid port %q in EDW_PORTS", part)
		}
		ports[i] = port
	}
	return ports, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
