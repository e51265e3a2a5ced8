package config

// Package config provides a reusable loader for latticekv node
// configuration files and environment variables.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"latticekv/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a latticekv node. It mirrors the
// structure of the YAML files under config/.
type Config struct {
	Node struct {
		ID         uint8  `mapstructure:"id" json:"id"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"node" json:"node"`

	Wire struct {
		Codec         string `mapstructure:"codec" json:"codec"`
		MaxFrameBytes int    `mapstructure:"max_frame_bytes" json:"max_frame_bytes"`
	} `mapstructure:"wire" json:"wire"`

	Peers []struct {
		ID   uint8  `mapstructure:"id" json:"id"`
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"peers" json:"peers"`

	Heartbeat struct {
		PingIntervalMS int `mapstructure:"ping_interval_ms" json:"ping_interval_ms"`
		TimeoutMS      int `mapstructure:"timeout_ms" json:"timeout_ms"`
	} `mapstructure:"heartbeat" json:"heartbeat"`

	Reconnect struct {
		BackoffMS int `mapstructure:"backoff_ms" json:"backoff_ms"`
	} `mapstructure:"reconnect" json:"reconnect"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LATTICEKV_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LATTICEKV_ENV", ""))
}
