package storage

import (
	"time"

	"github.com/thisdougb/dbhealth/internal/config"
)

// BackupConfig holds backup-specific configuration
type BackupConfig struct {
	Enabled        bool
	BackupDir      string
	RetentionDays  int
	BackupInterval time.Duration
}

// Config holds all configuration options for the persistence system
type Config struct {
	Enabled bool
	DBPath  string

	// tick log queue
	FlushInterval time.Duration
	BatchSize     int

	Backup BackupConfig
}

// LoadConfig reads the persistence settings through the config package, so
// env vars and the config file both apply.
func LoadConfig() *Config {
	cfg := &Config{
		Enabled:       config.BoolValue("DBHEALTH_PERSISTENCE_ENABLED"),
		DBPath:        config.StringValue("DBHEALTH_DB_PATH"),
		FlushInterval: config.DurationValue("DBHEALTH_TICKLOG_FLUSH_INTERVAL"),
		BatchSize:     config.IntValue("DBHEALTH_TICKLOG_BATCH_SIZE"),
		Backup: BackupConfig{
			Enabled:        config.BoolValue("DBHEALTH_BACKUP_ENABLED"),
			BackupDir:      config.StringValue("DBHEALTH_BACKUP_DIR"),
			RetentionDays:  config.IntValue("DBHEALTH_BACKUP_RETENTION_DAYS"),
			BackupInterval: config.DurationValue("DBHEALTH_BACKUP_INTERVAL"),
		},
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.Backup.RetentionDays < 0 {
		cfg.Backup.RetentionDays = 0
	}

	return cfg
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Enabled:       false,
		DBPath:        ":memory:",
		FlushInterval: 30 * time.Second,
		BatchSize:     100,
	}
}

// TestConfig returns a configuration suitable for testing
func TestConfig() *Config {
	return &Config{
		Enabled:       true,
		DBPath:        ":memory:",
		FlushInterval: time.Second,
		BatchSize:     10,
	}
}
