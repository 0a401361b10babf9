package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Seeder     SeederConfig     `mapstructure:"seeder"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type OpenSearchConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

type ScanConfig struct {
	ThreatIndices []string `mapstructure:"threat_indices"`
	EventIndices  []string `mapstructure:"event_indices"`
	Concurrency   int      `mapstructure:"concurrency"`
	Interval      string   `mapstructure:"interval"`
	Verbose       bool     `mapstructure:"verbose"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type SeederConfig struct {
	Indicators    int           `mapstructure:"indicators"`
	Events        int           `mapstructure:"events"`
	MatchFraction float64       `mapstructure:"match_fraction"`
	TimeSpread    time.Duration `mapstructure:"time_spread"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("scan.threat_indices", []string{"threatscan-indicators"})
	v.SetDefault("scan.event_indices", []string{"threatscan-events"})
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.interval", "1m")
	v.SetDefault("scan.verbose", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9301)
	v.SetDefault("seeder.indicators", 1000)
	v.SetDefault("seeder.events", 10000)
	v.SetDefault("seeder.match_fraction", 0.1)
	v.SetDefault("seeder.time_spread", "24h")
	v.SetDefault("seeder.batch_size", 500)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/threatscan")
	}

	// Environment variables override, e.g. THREATSCAN_SCAN_CONCURRENCY
	v.SetEnvPrefix("THREATSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
