package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks bounds, durations and references that do not depend on
// runtime registries. Every problem found is reported.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	sc := cfg.Scheduler
	if sc.Workers < 0 {
		add(fmt.Errorf("scheduler.workers must be >= 0"))
	}
	if sc.FailedQueueSize < 0 {
		add(fmt.Errorf("scheduler.failed_queue_size must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.selftest_timeout", sc.SelfTestTimeout)
	add(err)
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	as := sc.Autoscale
	if as.Min < 0 || as.Max < 0 {
		add(fmt.Errorf("scheduler.autoscale.min/max must be >= 0"))
	}
	if as.Max > 0 && as.Min > as.Max {
		add(fmt.Errorf("scheduler.autoscale.min (%d) exceeds max (%d)", as.Min, as.Max))
	}
	_, err = parseDurationMin("scheduler.autoscale.tick", as.Tick, minAutoscaleTick)
	add(err)
	_, err = ParseDurationField("scheduler.autoscale.cooldown", as.Cooldown)
	add(err)

	seen := map[string]bool{}
	for i, t := range cfg.Triggers {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			add(fmt.Errorf("triggers[%d].name is required", i))
		case seen[name]:
			add(fmt.Errorf("triggers[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(t.Schedule) == "" {
			add(fmt.Errorf("triggers[%d].schedule is required", i))
		}
		if strings.TrimSpace(t.Graph) == "" {
			add(fmt.Errorf("triggers[%d].graph is required", i))
		}
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				add(fmt.Errorf("journal.path is required when journal.driver=%s", j.Driver))
			}
		default:
			add(fmt.Errorf("unknown journal.driver: %s", j.Driver))
		}
		_, err = ParseDurationField("journal.busy_timeout", j.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("diag.read_timeout", cfg.Diag.ReadTimeout)
	add(err)
	_, err = ParseDurationField("diag.write_timeout", cfg.Diag.WriteTimeout)
	add(err)

	if a := cfg.Logging.Alerts; a.Enabled && strings.TrimSpace(a.Path) == "" {
		add(fmt.Errorf("logging.alerts.path is required when alerts are enabled"))
	}
	if a := cfg.Logging.Alerts; a.RatePerSec < 0 {
		add(fmt.Errorf("logging.alerts.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
