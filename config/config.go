// Package config loads the bouncer configuration from a file, the
// environment, or built-in defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// Listen is the set of addresses the bouncer accepts client
	// connections on.
	Listen []string `mapstructure:"listen"`
	// Hostname is the name the bouncer advertises in synthesized replies.
	Hostname string `mapstructure:"hostname"`
	// DB is the path of the SQLite database file.
	DB string `mapstructure:"db"`
	// MessageStore is the path of the message history store. Empty keeps
	// history in memory only.
	MessageStore string `mapstructure:"message-store"`
	// MetricsListen is the address of the Prometheus metrics endpoint.
	// Empty disables it.
	MetricsListen string `mapstructure:"metrics-listen"`
	Debug         bool   `mapstructure:"debug"`
}

func Defaults() *Config {
	return &Config{
		Listen:   []string{":6667"},
		Hostname: "localhost",
		DB:       "kiwibnc.db",
	}
}

// Load reads the configuration file at path, if any, with environment
// variables (prefix BNC_) taking precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", []string{":6667"})
	v.SetDefault("hostname", "localhost")
	v.SetDefault("db", "kiwibnc.db")
	v.SetEnvPrefix("bnc")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if len(cfg.Listen) == 0 {
		return nil, fmt.Errorf("no listen address configured")
	}
	return &cfg, nil
}
