// Package config loads the accessory configuration using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/util"
)

// Config is the top-level configuration, under the `msgstream:` root key.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// DeviceConfig identifies the accessory
type DeviceConfig struct {
	ID string `mapstructure:"id" yaml:"id"` // Empty = random UUID
}

// TransportConfig contains socket transport settings.
type TransportConfig struct {
	Socket      string `mapstructure:"socket" yaml:"socket"` // Empty = derived from device id
	ReadChunk   int    `mapstructure:"read_chunk" yaml:"read_chunk"`
	DebugFrames bool   `mapstructure:"debug_frames" yaml:"debug_frames"` // JSONL frame log under the data dir
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`
	Format string        `mapstructure:"format" yaml:"format"` // text | json
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig contains rotating log file settings.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type configRoot struct {
	Msgstream Config `mapstructure:"msgstream"`
}

// Load loads configuration from path. An empty path yields the defaults
// plus environment overrides (e.g. MSGSTREAM_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// "msgstream.log.level" -> MSGSTREAM_LOG_LEVEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Msgstream

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("msgstream.device.id", "")

	v.SetDefault("msgstream.transport.socket", "")
	v.SetDefault("msgstream.transport.read_chunk", 512)
	v.SetDefault("msgstream.transport.debug_frames", false)

	v.SetDefault("msgstream.log.level", "info")
	v.SetDefault("msgstream.log.format", "text")
	v.SetDefault("msgstream.log.file.enabled", false)
	v.SetDefault("msgstream.log.file.path", "")
	v.SetDefault("msgstream.log.file.max_size_mb", 50)
	v.SetDefault("msgstream.log.file.max_backups", 3)
	v.SetDefault("msgstream.log.file.max_age_days", 14)
	v.SetDefault("msgstream.log.file.compress", false)

	v.SetDefault("msgstream.metrics.enabled", false)
	v.SetDefault("msgstream.metrics.listen", ":9464")
	v.SetDefault("msgstream.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Device.ID == "" {
		cfg.Device.ID = uuid.New().String()
	} else {
		id, err := uuid.Parse(cfg.Device.ID)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", cfg.Device.ID, err)
		}
		cfg.Device.ID = id.String()
	}

	if cfg.Transport.Socket == "" {
		cfg.Transport.Socket = util.DefaultSocketPath(cfg.Device.ID)
	}
	if cfg.Transport.ReadChunk <= 0 {
		return fmt.Errorf("transport.read_chunk must be positive, got %d", cfg.Transport.ReadChunk)
	}

	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

// FileOptions maps the log file settings onto the logger's rotating writer
func (cfg *Config) FileOptions() logger.FileOptions {
	return logger.FileOptions{
		Filename:   cfg.Log.File.Path,
		MaxSize:    cfg.Log.File.MaxSizeMB,
		MaxBackups: cfg.Log.File.MaxBackups,
		MaxAge:     cfg.Log.File.MaxAgeDays,
		Compress:   cfg.Log.File.Compress,
	}
}

// YAML renders the effective configuration under its root key
func (cfg *Config) YAML() (string, error) {
	out, err := yaml.Marshal(map[string]*Config{"msgstream": cfg})
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}
