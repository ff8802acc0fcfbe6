package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Load reads the YAML configuration file, applies defaults and validates
// required keys. Unknown keys in the file are ignored.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("decoder.command_args", "/tcp")
	v.SetDefault("decoder.host", "127.0.0.1")
	v.SetDefault("decoder.port", 31003)
	v.SetDefault("decoder.timeout", 10*time.Second)
	v.SetDefault("decoder.reconnect_delay", 5*time.Second)
	v.SetDefault("decoder.max_attempts", 10)

	v.SetDefault("api.client_id", 1)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.ping_interval", 30*time.Second)

	v.SetDefault("database.file", "base.db")

	v.SetDefault("cycles.parser_interval", 100*time.Millisecond)
	v.SetDefault("cycles.analyser_interval", 5*time.Second)
	v.SetDefault("cycles.sender_interval", 10*time.Second)
	v.SetDefault("cycles.ntp_sync_interval", time.Hour)
	v.SetDefault("cycles.batch_size", 1000)
	v.SetDefault("cycles.match_window", 5*time.Second)
	v.SetDefault("cycles.stale_threshold", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9113")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the keys without which the client cannot operate.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("missing required config key: api.url")
	}
	if c.API.SecretKey == "" {
		return fmt.Errorf("missing required config key: api.secret_key")
	}
	if c.API.BearerToken == "" {
		return fmt.Errorf("missing required config key: api.bearer_token")
	}
	if c.Decoder.Executable == "" {
		return fmt.Errorf("missing required config key: decoder.executable")
	}
	if c.API.StatusURL == "" {
		// Original behavior: status pings fall back to the ingest endpoint.
		c.API.StatusURL = c.API.URL
	}
	if c.Decoder.Port <= 0 || c.Decoder.Port > 65535 {
		return fmt.Errorf("decoder.port out of range: %d", c.Decoder.Port)
	}
	if c.Cycles.BatchSize <= 0 {
		return fmt.Errorf("cycles.batch_size must be positive: %d", c.Cycles.BatchSize)
	}
	// All ticker cadences must be positive; time.NewTicker panics otherwise.
	for key, d := range map[string]time.Duration{
		"cycles.analyser_interval": c.Cycles.AnalyserInterval,
		"cycles.sender_interval":   c.Cycles.SenderInterval,
		"cycles.ntp_sync_interval": c.Cycles.NTPSyncInterval,
		"api.ping_interval":        c.API.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %v", key, d)
		}
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("unknown app.timezone: %s", c.App.Timezone)
	}
	return nil
}

// DecoderAddr returns the host:port of the decoder TCP stream.
func (c *Config) DecoderAddr() string {
	return fmt.Sprintf("%s:%d", c.Decoder.Host, c.Decoder.Port)
}
