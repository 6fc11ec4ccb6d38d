package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Triggers enqueue a registered job graph on a cron or interval schedule.
	Triggers []TriggerConfig `json:"triggers,omitempty"`

	Journal *JournalConfig `json:"journal,omitempty"`
	Diag    DiagConfig     `json:"diag,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts copies warnings and errors to a separate JSON Lines file.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the job scheduler and its worker pools.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - failed_queue_size: 100
//   - selftest_timeout: "30s"
type SchedulerConfig struct {
	Workers         int    `json:"workers"`
	FailedQueueSize int    `json:"failed_queue_size,omitempty"`
	SelfTestOnStart bool   `json:"selftest_on_start,omitempty"`
	SelfTestTimeout string `json:"selftest_timeout,omitempty"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`

	Autoscale AutoscaleConfig `json:"autoscale,omitempty"`
}

// AutoscaleConfig adds elastic single-worker pools on top of the fixed pool
// while runnable jobs wait and every worker is busy.
type AutoscaleConfig struct {
	Enabled  bool   `json:"enabled"`
	Min      int    `json:"min,omitempty"`
	Max      int    `json:"max,omitempty"`
	Tick     string `json:"tick,omitempty"`
	Cooldown string `json:"cooldown,omitempty"`
}

type TriggerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Graph    string `json:"graph"`
}

// JournalConfig controls the optional outcome journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./var/outcomes.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DiagConfig controls the diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
	// Watchdog pings at half of WATCHDOG_USEC when the unit enables it.
	Watchdog bool `json:"watchdog"`
}
