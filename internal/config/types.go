package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the live job runtime (tick loop + execution workers).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage backs the task records; jobs are rebuilt from them at startup.
	Storage StorageConfig `json:"storage"`

	// ContentService is the external render-and-send pipeline invoked by fired jobs.
	ContentService ContentServiceConfig `json:"content_service"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the scheduler runtime.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - workers: 2
//   - queue_size: 64
//   - sweep_min_interval: "5s"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"

	// TickInterval is how often the runtime scans for due jobs.
	TickInterval string `json:"tick_interval,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// SweepMinInterval rate-limits the orphan-job reconciliation sweep.
	// Back-to-back administrative calls within this window reuse the last sweep.
	SweepMinInterval string `json:"sweep_min_interval,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (json snapshots)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ContentServiceConfig points at the content-rendering service.
type ContentServiceConfig struct {
	BaseURL string `json:"base_url"`

	// DefaultTimeout bounds render-and-send calls when a task does not set its own.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}
