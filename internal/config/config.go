// Package config loads the Harbor server configuration from an optional YAML
// file and environment variables, applying sane defaults for every setting.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RoomConfig describes a room created at server bootstrap.
type RoomConfig struct {
	Name     string `mapstructure:"name"`
	Capacity int    `mapstructure:"capacity"`
	Private  bool   `mapstructure:"private"`
}

// RateLimitConfig defines the sliding-window abuse control parameters applied
// per source address.
type RateLimitConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	Window    time.Duration `mapstructure:"window"`
}

// WebSocketConfig holds the connection keepalive and write timing knobs.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// RedisConfig selects the Redis-backed rate limiter when Address is set.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the full Harbor server configuration.
type Config struct {
	Host              string          `mapstructure:"host"`
	Port              int             `mapstructure:"port"`
	AllowedOrigins    []string        `mapstructure:"allowed_origins"`
	DefaultRooms      []RoomConfig    `mapstructure:"default_rooms"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket         WebSocketConfig `mapstructure:"websocket"`
	Redis             RedisConfig     `mapstructure:"redis"`
	Log               LogConfig       `mapstructure:"log"`
	MaxHistoryPerRoom int             `mapstructure:"max_history_per_room"`
	MaxMessageLength  int             `mapstructure:"max_message_length"`
	MinUsernameLength int             `mapstructure:"min_username_length"`
	MaxUsernameLength int             `mapstructure:"max_username_length"`
	HistoryOnJoin     int             `mapstructure:"history_on_join"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FallbackRoom returns the name of the room users are migrated to when their
// room is deleted, and the room new users are placed in after authentication.
func (c *Config) FallbackRoom() string {
	if len(c.DefaultRooms) == 0 {
		return "general"
	}
	return c.DefaultRooms[0].Name
}

// Load reads configuration from configPath (a directory that may contain
// config.yaml) and the environment. A missing config file is not an error;
// defaults and environment variables apply either way.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvPrefix("harbor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.RateLimit.Window = parseDuration(v, "rate_limit.window", 60*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 54*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.ShutdownTimeout = parseDuration(v, "shutdown_timeout", 30*time.Second)

	sanitize(&cfg)
	return &cfg, nil
}

// Default returns the configuration that Load produces when no file and no
// environment overrides are present. Tests and embedders use it directly.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: default unmarshal failed: %v", err))
	}

	cfg.RateLimit.Window = 60 * time.Second
	cfg.WebSocket.PingInterval = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.WriteWait = 10 * time.Second
	cfg.ShutdownTimeout = 30 * time.Second

	sanitize(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("default_rooms", []map[string]interface{}{
		{"name": "general", "capacity": 100},
		{"name": "random", "capacity": 100},
	})
	v.SetDefault("rate_limit.max_events", 30)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("max_history_per_room", 1000)
	v.SetDefault("max_message_length", 500)
	v.SetDefault("min_username_length", 2)
	v.SetDefault("max_username_length", 20)
	v.SetDefault("history_on_join", 50)
	v.SetDefault("shutdown_timeout", "30s")

	v.BindEnv("port", "PORT")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func sanitize(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.RateLimit.MaxEvents <= 0 {
		cfg.RateLimit.MaxEvents = 30
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}
	if cfg.WebSocket.MaxMessageSize <= 0 {
		cfg.WebSocket.MaxMessageSize = 4096
	}
	if cfg.MaxHistoryPerRoom <= 0 {
		cfg.MaxHistoryPerRoom = 1000
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 500
	}
	if cfg.MinUsernameLength <= 0 {
		cfg.MinUsernameLength = 2
	}
	if cfg.MaxUsernameLength < cfg.MinUsernameLength {
		cfg.MaxUsernameLength = 20
	}
	if cfg.HistoryOnJoin <= 0 {
		cfg.HistoryOnJoin = 50
	}
	if len(cfg.DefaultRooms) == 0 {
		cfg.DefaultRooms = []RoomConfig{{Name: "general", Capacity: 100}}
	}
	for i := range cfg.DefaultRooms {
		if cfg.DefaultRooms[i].Capacity <= 0 {
			cfg.DefaultRooms[i].Capacity = 100
		}
	}
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
