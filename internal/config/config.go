// Package config provides configuration management for av1arr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMasterPort       = 8090
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
	defaultMonitorInterval  = 5 * time.Second
	defaultHeartbeatEvery   = 10 * time.Second
	defaultJobPollInterval  = 5 * time.Second
	defaultTransferTimeout  = 300 * time.Second
	defaultCallTimeout      = 10 * time.Second
	defaultSVTAV1Preset     = 5
	defaultCompleteRetries  = 100
	defaultCompleteBackoff  = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Master      MasterConfig      `mapstructure:"master"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Transcoding TranscodingConfig `mapstructure:"transcoding"`
	Processing  ProcessingConfig  `mapstructure:"processing"`
	Priority    PriorityConfig    `mapstructure:"process_priority"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// MediaDirectories are the library roots scanned for candidate files.
	MediaDirectories []string `mapstructure:"media_directories"`
	// TempDirectory is the scratch space for uploads and worker transcodes.
	TempDirectory string `mapstructure:"temp_directory"`
	// PreserveMode keeps the original as <path>.bak after replacement.
	PreserveMode bool `mapstructure:"preserve_mode"`
}

// MasterConfig holds the master HTTP server configuration.
type MasterConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	// PUID/PGID are applied to replaced files so the media server keeps ownership.
	PUID int `mapstructure:"puid"`
	PGID int `mapstructure:"pgid"`
	// LookupDir holds quality_lookup.json and audio_codec_lookup.json.
	LookupDir string `mapstructure:"lookup_dir"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// ScanConfig holds library scan configuration.
type ScanConfig struct {
	// VideoExtensions are the file suffixes considered for transcoding.
	VideoExtensions []string `mapstructure:"video_extensions"`
	// Schedule is an optional 6-field cron expression for periodic rescans.
	Schedule string `mapstructure:"schedule"`
	// Watch enables fsnotify-based discovery of new files between scans.
	Watch bool `mapstructure:"watch"`
	// ProbeOnScan runs ffprobe during discovery to prefill source metadata.
	ProbeOnScan bool `mapstructure:"probe_on_scan"`
}

// TranscodingConfig holds encoder configuration shared with workers.
type TranscodingConfig struct {
	SVTAV1Preset       int  `mapstructure:"svt_av1_preset"`
	SkipAudioTranscode bool `mapstructure:"skip_audio_transcode"`
	SkipAV1Files       bool `mapstructure:"skip_av1_files"`
}

// ProcessingConfig controls queue population ordering.
type ProcessingConfig struct {
	// FileOrder is one of oldest, newest, largest, smallest.
	FileOrder string `mapstructure:"file_order"`
}

// PriorityConfig holds OS process priority applied to FFmpeg children.
type PriorityConfig struct {
	Nice        int `mapstructure:"nice"`
	IoniceClass int `mapstructure:"ionice_class"`
}

// WorkerConfig holds the worker client configuration.
type WorkerConfig struct {
	MasterURL         string        `mapstructure:"master_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JobPollInterval   time.Duration `mapstructure:"job_poll_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_call_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	TransferTimeout   time.Duration `mapstructure:"transfer_timeout"`
	CompleteRetries   int           `mapstructure:"complete_retries"`
	CompleteBackoff   time.Duration `mapstructure:"complete_backoff"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with AV1ARR_ and use underscores for
// nesting. Example: AV1ARR_MASTER_PORT=8090.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/av1arr")
		v.AddConfigPath("$HOME/.av1arr")
	}

	v.SetEnvPrefix("AV1ARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so file and env
// values layer on top.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("media_directories", []string{})
	v.SetDefault("temp_directory", "/tmp/av1arr")
	v.SetDefault("preserve_mode", true)

	v.SetDefault("master.host", "0.0.0.0")
	v.SetDefault("master.port", defaultMasterPort)
	v.SetDefault("master.read_timeout", defaultServerTimeout)
	v.SetDefault("master.write_timeout", defaultServerTimeout)
	v.SetDefault("master.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("master.heartbeat_timeout", defaultHeartbeatTimeout)
	v.SetDefault("master.monitor_interval", defaultMonitorInterval)
	v.SetDefault("master.puid", 0)
	v.SetDefault("master.pgid", 0)
	v.SetDefault("master.lookup_dir", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "transcoding.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("scan.video_extensions", []string{".mkv", ".mp4", ".avi", ".mov"})
	v.SetDefault("scan.schedule", "")
	v.SetDefault("scan.watch", false)
	v.SetDefault("scan.probe_on_scan", false)

	v.SetDefault("transcoding.svt_av1_preset", defaultSVTAV1Preset)
	v.SetDefault("transcoding.skip_audio_transcode", false)
	v.SetDefault("transcoding.skip_av1_files", true)

	v.SetDefault("processing.file_order", "oldest")

	v.SetDefault("process_priority.nice", 10)
	v.SetDefault("process_priority.ionice_class", 3)

	v.SetDefault("worker.master_url", "http://localhost:8090")
	v.SetDefault("worker.heartbeat_interval", defaultHeartbeatEvery)
	v.SetDefault("worker.job_poll_interval", defaultJobPollInterval)
	v.SetDefault("worker.heartbeat_call_timeout", 5*time.Second)
	v.SetDefault("worker.call_timeout", defaultCallTimeout)
	v.SetDefault("worker.transfer_timeout", defaultTransferTimeout)
	v.SetDefault("worker.complete_retries", defaultCompleteRetries)
	v.SetDefault("worker.complete_backoff", defaultCompleteBackoff)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// BindLegacyEnv maps the flat environment variables recognized by earlier
// deployments onto their config keys. These take effect only when set.
func BindLegacyEnv(v *viper.Viper) {
	if dirs := os.Getenv("MEDIA_DIRS"); dirs != "" {
		v.Set("media_directories", strings.Split(dirs, ","))
	}
	if dir := os.Getenv("TEMP_DIR"); dir != "" {
		v.Set("temp_directory", dir)
	}
	// TESTING_MODE is the historical name for preserve_mode.
	for _, key := range []string{"PRESERVE_MODE", "TESTING_MODE"} {
		if val := os.Getenv(key); val != "" {
			v.Set("preserve_mode", parseBool(val))
		}
	}
	if port := os.Getenv("WEB_PORT"); port != "" {
		v.Set("master.port", port)
	}
	if preset := os.Getenv("SVT_AV1_PRESET"); preset != "" {
		v.Set("transcoding.svt_av1_preset", preset)
	}
	if val := os.Getenv("SKIP_AUDIO_TRANSCODE"); val != "" {
		v.Set("transcoding.skip_audio_transcode", parseBool(val))
	}
	if val := os.Getenv("SKIP_AV1_FILES"); val != "" {
		v.Set("transcoding.skip_av1_files", parseBool(val))
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Master.Port < 1 || c.Master.Port > maxPort {
		return fmt.Errorf("master.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	switch c.Processing.FileOrder {
	case "oldest", "newest", "largest", "smallest":
	default:
		return fmt.Errorf("processing.file_order must be one of: oldest, newest, largest, smallest")
	}

	if c.TempDirectory == "" {
		return fmt.Errorf("temp_directory is required")
	}

	return nil
}

// Address returns the master address in host:port format.
func (c *MasterConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
