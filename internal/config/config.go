// Package config loads server configuration from an optional YAML file and
// A2A_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MessageRateLimit int           `mapstructure:"message_rate_limit"` // per minute per connection
	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`
	SessionSecret    string        `mapstructure:"session_secret"`
	EnableX402       bool          `mapstructure:"enable_x402"`
	EnableCoalitions bool          `mapstructure:"enable_coalitions"`
	LogLevel         string        `mapstructure:"log_level"`

	// MarketFeedInterval drives market update pushes when a data provider
	// is wired in. Zero disables the feed.
	MarketFeedInterval time.Duration `mapstructure:"market_feed_interval"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8090)
	v.SetDefault("max_connections", 512)
	v.SetDefault("message_rate_limit", 120)
	v.SetDefault("auth_timeout", 30*time.Second)
	v.SetDefault("enable_x402", true)
	v.SetDefault("enable_coalitions", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("market_feed_interval", 5*time.Second)

	v.SetEnvPrefix("A2A")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
