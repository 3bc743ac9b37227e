package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Hard limits that configuration may not exceed.
const (
	MaxEntryHardLimitMB = 100
	MaxPortNumber       = 65535
)

type Config struct {
	Server     ServerConfig  `toml:"server"`
	Cache      CacheConfig   `toml:"cache"`
	Timeouts   TimeoutConfig `toml:"timeouts"`
	Logging    LoggingConfig `toml:"logging"`
	LoadedPath string        `toml:"-"` // Populated after loading
}

type ServerConfig struct {
	ProxyPort      int    `toml:"proxy_port"`
	ControlPort    int    `toml:"control_port"`
	BindAddress    string `toml:"bind_address"`
	MaxConnections int    `toml:"max_connections"`
	MaxHeaderBytes int    `toml:"max_header_bytes"`
}

type CacheConfig struct {
	// Backend selects the response store: "memory" (default) or "redis".
	Backend    string `toml:"backend"`
	CapacityMB int    `toml:"capacity_mb"`
	MaxEntryMB int    `toml:"max_entry_mb"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisTTL      string `toml:"redis_ttl"`
}

type TimeoutConfig struct {
	Socket      string `toml:"socket"`
	TunnelIdle  string `toml:"tunnel_idle"`
	DNSCacheTTL string `toml:"dns_cache_ttl"`
	DNSNegTTL   string `toml:"dns_negative_ttl"`
}

type LoggingConfig struct {
	AppLevel   string `toml:"app_level"`
	AppLogfile string `toml:"app_logfile"`

	EventsToStdout bool   `toml:"events_to_stdout"`
	EventsLogfile  string `toml:"events_logfile"`
	EventsFormat   string `toml:"events_format"`
}

func (c *CacheConfig) CapacityBytes() int64 {
	return int64(c.CapacityMB) * 1024 * 1024
}

func (c *CacheConfig) MaxEntryBytes() int64 {
	return int64(c.MaxEntryMB) * 1024 * 1024
}

func (c *CacheConfig) GetRedisTTL() time.Duration {
	d, err := time.ParseDuration(c.RedisTTL)
	if err != nil {
		return 1 * time.Hour
	}
	return d
}

func (t *TimeoutConfig) GetSocket() time.Duration {
	d, err := time.ParseDuration(t.Socket)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (t *TimeoutConfig) GetTunnelIdle() time.Duration {
	d, err := time.ParseDuration(t.TunnelIdle)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

func (t *TimeoutConfig) GetDNSCacheTTL() time.Duration {
	d, err := time.ParseDuration(t.DNSCacheTTL)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

func (t *TimeoutConfig) GetDNSNegTTL() time.Duration {
	d, err := time.ParseDuration(t.DNSNegTTL)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidateEventsFormat validates the event log output format.
func (l *LoggingConfig) ValidateEventsFormat() string {
	switch l.EventsFormat {
	case "pipe", "json":
		return l.EventsFormat
	case "":
		return "pipe"
	default:
		slog.Warn("config: invalid events_format, using default", "invalid", l.EventsFormat, "default", "pipe")
		return "pipe"
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ProxyPort:      8080,
			ControlPort:    8081,
			BindAddress:    "0.0.0.0",
			MaxConnections: 2000,
			MaxHeaderBytes: 8192,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			CapacityMB: 100,
			MaxEntryMB: 10,
			RedisAddr:  "127.0.0.1:6379",
			RedisTTL:   "1h",
		},
		Timeouts: TimeoutConfig{
			Socket:      "30s",
			TunnelIdle:  "120s",
			DNSCacheTTL: "60s",
			DNSNegTTL:   "10s",
		},
		Logging: LoggingConfig{
			AppLevel:       "", // Application logging disabled by default
			AppLogfile:     "",
			EventsToStdout: true,
			EventsLogfile:  "",
			EventsFormat:   "pipe",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	configPath := path
	if configPath == "" {
		// Search standard locations only if no path is provided.
		locations := []string{
			"./proxycache.toml",
			os.ExpandEnv("$HOME/.config/proxycache/config.toml"),
			"/etc/proxycache/config.toml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, err
		}
		cfg.LoadedPath = configPath
	}

	if cfg.Server.ProxyPort < 1 || cfg.Server.ProxyPort > MaxPortNumber {
		slog.Warn("config: invalid proxy_port, using default", "invalid", cfg.Server.ProxyPort, "default", 8080)
		cfg.Server.ProxyPort = 8080
	}
	if cfg.Server.MaxConnections < 1 {
		slog.Warn("config: invalid max_connections, using default", "invalid", cfg.Server.MaxConnections, "default", 2000)
		cfg.Server.MaxConnections = 2000
	}
	if cfg.Server.MaxHeaderBytes < 1 {
		slog.Warn("config: invalid max_header_bytes, using default", "invalid", cfg.Server.MaxHeaderBytes, "default", 8192)
		cfg.Server.MaxHeaderBytes = 8192
	}

	if cfg.Cache.CapacityMB < 1 {
		slog.Warn("config: invalid capacity_mb, using default", "invalid", cfg.Cache.CapacityMB, "default", 100)
		cfg.Cache.CapacityMB = 100
	}
	if cfg.Cache.MaxEntryMB < 1 {
		slog.Warn("config: invalid max_entry_mb, using default", "invalid", cfg.Cache.MaxEntryMB, "default", 10)
		cfg.Cache.MaxEntryMB = 10
	}
	if cfg.Cache.MaxEntryMB > MaxEntryHardLimitMB {
		slog.Warn("config: max_entry_mb exceeds hard limit", "limit_mb", MaxEntryHardLimitMB, "configured_mb", cfg.Cache.MaxEntryMB)
		cfg.Cache.MaxEntryMB = MaxEntryHardLimitMB
	}
	// The per-entry cap can never exceed the whole cache.
	if cfg.Cache.MaxEntryMB > cfg.Cache.CapacityMB {
		slog.Warn("config: max_entry_mb exceeds capacity_mb, clamping", "capacity_mb", cfg.Cache.CapacityMB)
		cfg.Cache.MaxEntryMB = cfg.Cache.CapacityMB
	}
	switch cfg.Cache.Backend {
	case "", "memory":
		cfg.Cache.Backend = "memory"
	case "redis":
	default:
		slog.Warn("config: unknown cache backend, using memory", "invalid", cfg.Cache.Backend)
		cfg.Cache.Backend = "memory"
	}

	if cfg.Logging.AppLevel != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[cfg.Logging.AppLevel] {
			slog.Warn("config: invalid app_level, disabling application logging", "invalid", cfg.Logging.AppLevel)
			cfg.Logging.AppLevel = ""
		}
	}
	cfg.Logging.EventsFormat = cfg.Logging.ValidateEventsFormat()

	return cfg, nil
}
