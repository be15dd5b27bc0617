package config

import "time"

// Settings is a point-in-time view of every tunable. Ticks call Current()
// afresh so a changed env var or config file applies on the next tick.
type Settings struct {
	RingSlots       int
	SampleInterval  time.Duration
	TickBudget      time.Duration
	ProviderTimeout time.Duration
	JobMaxRuntime   time.Duration

	BreakerWindow      int
	BreakerMaxDuration time.Duration
	BreakerFailureRate float64
	BreakerCooldown    time.Duration
	ShedActivePct      float64
	ThrottleTPS        float64
	ThrottleIOPS       float64

	ModeTripThreshold int
	ModeLoadPct       float64
	ModeEnterEvals    int
	ModeQuietEvals    int
	NormalRowCap      int
	EmergencyRowCap   int

	RetainAggregates      time.Duration
	RetainArchive         time.Duration
	RetainSnapshots       time.Duration
	RetainTickLog         time.Duration
	RetentionShrinkFactor float64
	StorageWarnBytes      int64
	StorageCriticalBytes  int64
	StorageReenableBytes  int64

	FlushInterval    time.Duration
	ArchiveInterval  time.Duration
	SnapshotInterval time.Duration
	CleanupInterval  time.Duration
	ModeInterval     time.Duration
	BackupInterval   time.Duration
}

// Current reads all settings from env, config file and defaults.
func Current() Settings {
	return Settings{
		RingSlots:       IntValue("DBHEALTH_RING_SLOTS"),
		SampleInterval:  DurationValue("DBHEALTH_SAMPLE_INTERVAL"),
		TickBudget:      DurationValue("DBHEALTH_TICK_BUDGET"),
		ProviderTimeout: DurationValue("DBHEALTH_PROVIDER_TIMEOUT"),
		JobMaxRuntime:   DurationValue("DBHEALTH_JOB_MAX_RUNTIME"),

		BreakerWindow:      IntValue("DBHEALTH_BREAKER_WINDOW"),
		BreakerMaxDuration: DurationValue("DBHEALTH_BREAKER_MAX_DURATION"),
		BreakerFailureRate: FloatValue("DBHEALTH_BREAKER_FAILURE_RATE"),
		BreakerCooldown:    DurationValue("DBHEALTH_BREAKER_COOLDOWN"),
		ShedActivePct:      FloatValue("DBHEALTH_SHED_ACTIVE_PCT"),
		ThrottleTPS:        FloatValue("DBHEALTH_THROTTLE_TPS"),
		ThrottleIOPS:       FloatValue("DBHEALTH_THROTTLE_IOPS"),

		ModeTripThreshold: IntValue("DBHEALTH_MODE_TRIP_THRESHOLD"),
		ModeLoadPct:       FloatValue("DBHEALTH_MODE_LOAD_PCT"),
		ModeEnterEvals:    IntValue("DBHEALTH_MODE_ENTER_EVALS"),
		ModeQuietEvals:    IntValue("DBHEALTH_MODE_QUIET_EVALS"),
		NormalRowCap:      IntValue("DBHEALTH_NORMAL_ROW_CAP"),
		EmergencyRowCap:   IntValue("DBHEALTH_EMERGENCY_ROW_CAP"),

		RetainAggregates:      DurationValue("DBHEALTH_RETAIN_AGGREGATES"),
		RetainArchive:         DurationValue("DBHEALTH_RETAIN_ARCHIVE"),
		RetainSnapshots:       DurationValue("DBHEALTH_RETAIN_SNAPSHOTS"),
		RetainTickLog:         DurationValue("DBHEALTH_RETAIN_TICKLOG"),
		RetentionShrinkFactor: FloatValue("DBHEALTH_RETENTION_SHRINK_FACTOR"),
		StorageWarnBytes:      BytesValue("DBHEALTH_STORAGE_WARN"),
		StorageCriticalBytes:  BytesValue("DBHEALTH_STORAGE_CRITICAL"),
		StorageReenableBytes:  BytesValue("DBHEALTH_STORAGE_REENABLE"),

		FlushInterval:    DurationValue("DBHEALTH_FLUSH_INTERVAL"),
		ArchiveInterval:  DurationValue("DBHEALTH_ARCHIVE_INTERVAL"),
		SnapshotInterval: DurationValue("DBHEALTH_SNAPSHOT_INTERVAL"),
		CleanupInterval:  DurationValue("DBHEALTH_CLEANUP_INTERVAL"),
		ModeInterval:     DurationValue("DBHEALTH_MODE_INTERVAL"),
		BackupInterval:   DurationValue("DBHEALTH_BACKUP_INTERVAL"),
	}
}
