// Package config handles client configuration loading using viper.
package config

import "time"

// Config is the immutable top-level configuration consumed at bringup.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Cycles   CyclesConfig   `mapstructure:"cycles"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig contains application identity settings.
type AppConfig struct {
	Version  string `mapstructure:"version"`
	Timezone string `mapstructure:"timezone"`
}

// DecoderConfig contains decoder child process and TCP stream settings.
type DecoderConfig struct {
	Executable     string        `mapstructure:"executable"`
	CommandArgs    string        `mapstructure:"command_args"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Timeout        time.Duration `mapstructure:"timeout"`         // TCP connect / read idle timeout
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"` // wait before reconnect attempts
	MaxAttempts    int           `mapstructure:"max_attempts"`    // bringup TCP probe attempts
}

// APIConfig contains remote ingest endpoint settings.
type APIConfig struct {
	URL          string        `mapstructure:"url"`
	StatusURL    string        `mapstructure:"status_url"`
	ClientID     int           `mapstructure:"client_id"`
	SecretKey    string        `mapstructure:"secret_key"`
	BearerToken  string        `mapstructure:"bearer_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DatabaseConfig contains the embedded store settings.
type DatabaseConfig struct {
	File string `mapstructure:"file"`
}

// CyclesConfig contains worker cadences and batch limits.
type CyclesConfig struct {
	ParserInterval   time.Duration `mapstructure:"parser_interval"`
	AnalyserInterval time.Duration `mapstructure:"analyser_interval"`
	SenderInterval   time.Duration `mapstructure:"sender_interval"`
	NTPSyncInterval  time.Duration `mapstructure:"ntp_sync_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	MatchWindow      time.Duration `mapstructure:"match_window"`    // max K1/K2 time delta
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"` // unmatched packet aging bound
}

// LogConfig contains console/file logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level"`  // debug / info / warn / error
	Format string           `mapstructure:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures rotated file log output.
type FileOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}
