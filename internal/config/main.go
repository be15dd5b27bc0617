package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

var defaultValues = map[string]interface{}{
	// hot tier
	"DBHEALTH_RING_SLOTS":       120,   // Number of ring buffer slots
	"DBHEALTH_SAMPLE_INTERVAL":  "60s", // Sample tick interval, also the slot width
	"DBHEALTH_TICK_BUDGET":      "10s", // Total time budget for one tick
	"DBHEALTH_PROVIDER_TIMEOUT": "2s",  // Deadline for a single provider call
	"DBHEALTH_JOB_MAX_RUNTIME":  "60s", // Expected runtime bound used by job dedup

	// safety gate
	"DBHEALTH_BREAKER_WINDOW":       3,      // Rolling window size K
	"DBHEALTH_BREAKER_MAX_DURATION": "1s",   // Average tick duration threshold
	"DBHEALTH_BREAKER_FAILURE_RATE": 0.5,    // Failure rate threshold
	"DBHEALTH_BREAKER_COOLDOWN":     "5m",   // How long a tripped breaker stays open
	"DBHEALTH_SHED_ACTIVE_PCT":      70.0,   // Active sessions as % of max_connections
	"DBHEALTH_THROTTLE_TPS":         5000.0, // Transactions per second
	"DBHEALTH_THROTTLE_IOPS":        50000.0,
	"DBHEALTH_MODE_TRIP_THRESHOLD":  0,    // Trips per evaluation tolerated before stress
	"DBHEALTH_MODE_LOAD_PCT":        60.0, // Active % before stress
	"DBHEALTH_MODE_ENTER_EVALS":     1,    // Stressed evaluations to enter emergency
	"DBHEALTH_MODE_QUIET_EVALS":     3,    // Quiet evaluations to leave emergency
	"DBHEALTH_NORMAL_ROW_CAP":       200,
	"DBHEALTH_EMERGENCY_ROW_CAP":    25,

	// retention
	"DBHEALTH_RETAIN_AGGREGATES":       "720h",
	"DBHEALTH_RETAIN_ARCHIVE":          "168h",
	"DBHEALTH_RETAIN_SNAPSHOTS":        "2160h",
	"DBHEALTH_RETAIN_TICKLOG":          "168h",
	"DBHEALTH_RETENTION_SHRINK_FACTOR": 0.5,
	"DBHEALTH_STORAGE_WARN":            "1GB",
	"DBHEALTH_STORAGE_CRITICAL":        "2GB",
	"DBHEALTH_STORAGE_REENABLE":        "1.5GB",

	// trigger cadences
	"DBHEALTH_FLUSH_INTERVAL":    "5m",
	"DBHEALTH_ARCHIVE_INTERVAL":  "15m",
	"DBHEALTH_SNAPSHOT_INTERVAL": "15m",
	"DBHEALTH_CLEANUP_INTERVAL":  "1h",
	"DBHEALTH_MODE_INTERVAL":     "1m",

	// persistence
	"DBHEALTH_PERSISTENCE_ENABLED":    false,
	"DBHEALTH_DB_PATH":                "/tmp/dbhealth.db",
	"DBHEALTH_TICKLOG_FLUSH_INTERVAL": "30s",
	"DBHEALTH_TICKLOG_BATCH_SIZE":     100,
	"DBHEALTH_BACKUP_ENABLED":         false,
	"DBHEALTH_BACKUP_DIR":             "./backups",
	"DBHEALTH_BACKUP_RETENTION_DAYS":  30,
	"DBHEALTH_BACKUP_INTERVAL":        "24h",

	// daemon
	"DBHEALTH_DSN":    "",
	"DBHEALTH_LISTEN": ":9187",
	"DBHEALTH_DEBUG":  false,
}

// fileValues holds flat key/value overrides loaded by LoadFile. Environment
// variables still win over these.
var (
	fileMu     sync.RWMutex
	fileValues = map[string]string{}
)

func StringValue(key string) string {
	if defaultValue, ok := defaultValues[key]; ok {
		return getEnvVar(key, defaultValue.(string)).(string)
	}
	return lookup(key)
}

// IntValue gets an int value from the env, config file or default
func IntValue(key string) int {

	if defaultValue, ok := defaultValues[key]; ok {
		return getEnvVar(key, defaultValue.(int)).(int)
	}
	return 0
}

// FloatValue gets a float64 value from the env, config file or default
func FloatValue(key string) float64 {

	if defaultValue, ok := defaultValues[key]; ok {
		return getEnvVar(key, defaultValue.(float64)).(float64)
	}
	return 0
}

// BoolValue gets a bool value from the env, config file or default
func BoolValue(key string) bool {

	if defaultValue, ok := defaultValues[key]; ok {
		return getEnvVar(key, defaultValue.(bool)).(bool)
	}
	return false
}

// DurationValue parses a duration string such as "90s". An unparseable
// override falls back to the default.
func DurationValue(key string) time.Duration {
	defaultValue, ok := defaultValues[key].(string)
	if !ok {
		return 0
	}
	fallback, _ := time.ParseDuration(defaultValue)

	d, err := time.ParseDuration(StringValue(key))
	if err != nil {
		return fallback
	}
	return d
}

// BytesValue parses a human byte size such as "1.5GB".
func BytesValue(key string) int64 {
	defaultValue, ok := defaultValues[key].(string)
	if !ok {
		return 0
	}
	fallback, _ := humanize.ParseBytes(defaultValue)

	n, err := humanize.ParseBytes(StringValue(key))
	if err != nil {
		return int64(fallback)
	}
	return int64(n)
}

// lookup returns the raw override for key, env first then file.
func lookup(key string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	fileMu.RLock()
	defer fileMu.RUnlock()
	return fileValues[key]
}

func getEnvVar(key string, fallback interface{}) interface{} {

	value, exists := os.LookupEnv(key)
	if !exists {
		fileMu.RLock()
		value, exists = fileValues[key]
		fileMu.RUnlock()
		if !exists {
			return fallback
		}
	}

	switch fallback.(type) {
	case string:
		return value
	case bool:
		valueAsBool, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return valueAsBool
	case int:
		valueAsInt, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return valueAsInt
	case float64:
		valueAsFloat, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fallback
		}
		return valueAsFloat
	}
	return fallback
}
