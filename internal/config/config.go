// Package config loads the coordinator's runtime configuration from the
// environment (and an optional config file), prefixed COORD_.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the coordinator process's full runtime configuration.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`

	AgentBaseURL  string `mapstructure:"agent_base_url"`
	AgentAuthToken string `mapstructure:"agent_auth_token"`

	BrokerBaseURL string `mapstructure:"broker_base_url"`

	DataDir string `mapstructure:"data_dir"`

	StaleThreshold          time.Duration `mapstructure:"stale_threshold"`
	MaxReactivationAttempts int           `mapstructure:"max_reactivation_attempts"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults are applied before the environment and any config file are read.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("agent_base_url", "http://localhost:9000")
	v.SetDefault("agent_auth_token", "")
	v.SetDefault("broker_base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("data_dir", "")
	v.SetDefault("stale_threshold", 210*time.Second)
	v.SetDefault("max_reactivation_attempts", 3)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("metrics_addr", ":9090")
}

// Load reads configuration from COORD_-prefixed environment variables,
// optionally overlaid with a config file named coordinator.(yaml|json|toml)
// found on the given search paths.
func Load(searchPaths ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coordinator")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	if len(searchPaths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
