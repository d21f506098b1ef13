// Package config loads and validates the process configuration for the
// relay server. Values come from an optional YAML file overlaid with
// RELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaymsg/chat-limiter/pkg/limiter"
	"github.com/relaymsg/chat-limiter/pkg/throttle"
)

// RedisConfig shapes the shared counter store connection.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// ScopeOverride replaces the default capacity/window of one scope.
type ScopeOverride struct {
	Capacity int64         `mapstructure:"capacity"`
	Window   time.Duration `mapstructure:"window"`
}

// Config is the full configuration surface of the relay server.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	Enabled      bool        `mapstructure:"enabled"`
	RequireStore bool        `mapstructure:"require_store"`
	Redis        RedisConfig `mapstructure:"redis"`

	OnLimit      string        `mapstructure:"on_limit"`
	OnStoreError string        `mapstructure:"on_store_error"`
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`

	Scopes map[string]ScopeOverride `mapstructure:"scopes"`
}

// Load reads configuration from path (optional) and the environment, then
// validates it. Invalid settings are fatal: the caller must abort startup.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("enabled", true)
	v.SetDefault("require_store", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.timeout", 5*time.Second)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)
	v.SetDefault("on_limit", string(throttle.OnLimitReject))
	v.SetDefault("on_store_error", string(throttle.OnErrorAllow))
	v.SetDefault("queue_timeout", 10*time.Second)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch throttle.OnLimit(c.OnLimit) {
	case throttle.OnLimitReject, throttle.OnLimitDelay, throttle.OnLimitQueue:
	default:
		return fmt.Errorf("config: on_limit must be reject, delay or queue, got %q", c.OnLimit)
	}
	switch throttle.OnError(c.OnStoreError) {
	case throttle.OnErrorAllow, throttle.OnErrorReject:
	default:
		return fmt.Errorf("config: on_store_error must be allow or reject, got %q", c.OnStoreError)
	}
	if c.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required when the limiter is enabled")
	}
	if c.QueueTimeout < 0 {
		return fmt.Errorf("config: queue_timeout must not be negative")
	}
	for name, ov := range c.Scopes {
		switch name {
		case string(throttle.ScopeChat), string(throttle.ScopeGlobal), string(throttle.ScopeBroadcast):
		default:
			return fmt.Errorf("config: unknown scope %q", name)
		}
		if ov.Capacity <= 0 {
			return fmt.Errorf("config: scope %s capacity must be positive", name)
		}
		if ov.Window <= 0 {
			return fmt.Errorf("config: scope %s window must be positive", name)
		}
	}
	return nil
}

// Throttle maps the loaded configuration onto a throttle.Config, applying
// scope overrides over the built-in defaults.
func (c *Config) Throttle() throttle.Config {
	scopes := throttle.DefaultScopes()
	for name, ov := range c.Scopes {
		l := limiter.Limit{Capacity: ov.Capacity, Window: ov.Window}
		switch throttle.Scope(name) {
		case throttle.ScopeChat:
			scopes.Chat.Limit = l
		case throttle.ScopeGlobal:
			scopes.Global.Limit = l
		case throttle.ScopeBroadcast:
			scopes.Broadcast.Limit = l
		}
	}
	return throttle.Config{
		Enabled:          c.Enabled,
		RedisAddr:        c.Redis.Addr,
		RedisTimeout:     c.Redis.Timeout,
		RedisMaxRetries:  c.Redis.MaxRetries,
		RedisIdleTimeout: c.Redis.IdleTimeout,
		RequireStore:     c.RequireStore,
		Scopes:           scopes,
		OnLimit:          throttle.OnLimit(c.OnLimit),
		OnStoreError:     throttle.OnError(c.OnStoreError),
		QueueTimeout:     c.QueueTimeout,
	}
}
