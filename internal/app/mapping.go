package app

import (
	"fmt"
	"strings"
	"time"

	"qualix/internal/config"
	"qualix/internal/observability/diag"
	"qualix/internal/scheduler"
	"qualix/internal/storage"
	"qualix/internal/trigger"
	logx "qualix/pkg/logx"
)

const (
	defaultWorkers         = 4
	defaultSelfTestTimeout = 30 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			Path:       l.Alerts.Path,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func workerCount(cfg *config.Config) int {
	if cfg.Scheduler.Workers <= 0 {
		return defaultWorkers
	}
	return cfg.Scheduler.Workers
}

func selfTestTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.selftest_timeout", cfg.Scheduler.SelfTestTimeout, defaultSelfTestTimeout)
}

// mapAutoscaleConfig returns ok=false when autoscaling is disabled.
func mapAutoscaleConfig(cfg *config.Config) (scheduler.AutoscaleConfig, bool, error) {
	as := cfg.Scheduler.Autoscale
	if !as.Enabled {
		return scheduler.AutoscaleConfig{}, false, nil
	}
	tick, err := config.ParseDurationField("scheduler.autoscale.tick", as.Tick)
	if err != nil {
		return scheduler.AutoscaleConfig{}, false, err
	}
	cooldown, err := config.ParseDurationField("scheduler.autoscale.cooldown", as.Cooldown)
	if err != nil {
		return scheduler.AutoscaleConfig{}, false, err
	}
	return scheduler.AutoscaleConfig{Min: as.Min, Max: as.Max, Tick: tick, Cooldown: cooldown}, true, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	out := trigger.Config{Enabled: len(cfg.Triggers) > 0, Timezone: cfg.Scheduler.Timezone}
	for _, t := range cfg.Triggers {
		out.Triggers = append(out.Triggers, trigger.Def{
			Name:     strings.TrimSpace(t.Name),
			Schedule: t.Schedule,
			Graph:    strings.TrimSpace(t.Graph),
		})
	}
	return out
}

// mapJournalConfig returns ok=false when the journal is disabled.
func mapJournalConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return storage.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	path := strings.TrimSpace(jc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	rt, err := config.ParseDurationOrDefault("diag.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	wt, err := config.ParseDurationField("diag.write_timeout", d.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
