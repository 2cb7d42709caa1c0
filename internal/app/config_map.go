package app

import (
	"fmt"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/learning"
	"steward/internal/model"
	"steward/internal/router"
	"steward/internal/scheduler"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

const defaultRetention = 90 * 24 * time.Hour

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.job_timeout", sc.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retry, err := config.ParseDurationField("scheduler.retry_delay", sc.RetryDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := sc.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	// Zero durations fall back to the scheduler defaults.
	return scheduler.Config{Tick: tick, JobTimeout: timeout, RetryDelay: retry, Location: loc}, nil
}

func mapJobSpecs(cfg *config.Config) ([]scheduler.JobSpec, error) {
	jobs := cfg.EffectiveJobs()
	out := make([]scheduler.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		kind, err := model.ParseJobKind(j.Kind)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		out = append(out, scheduler.JobSpec{
			ID:       strings.TrimSpace(j.ID),
			Kind:     kind,
			Schedule: strings.TrimSpace(j.Schedule),
			Enabled:  j.IsEnabled(),
		})
	}
	return out, nil
}

func mapLearningConfig(cfg *config.Config) (learning.Config, error) {
	lookback, err := config.ParseDurationField("learning.lookback", cfg.Learning.Lookback)
	if err != nil {
		return learning.Config{}, err
	}
	return learning.Config{
		Lookback:       lookback,
		Decay:          cfg.Learning.Decay,
		MinPattern:     cfg.Learning.MinPattern,
		TrendThreshold: cfg.Learning.TrendThreshold,
	}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	rc := cfg.Router
	callTimeout, err := config.ParseDurationField("router.call_timeout", rc.CallTimeout)
	if err != nil {
		return router.Config{}, err
	}
	base, err := config.ParseDurationField("router.cooldown_base", rc.CooldownBase)
	if err != nil {
		return router.Config{}, err
	}
	maxCool, err := config.ParseDurationField("router.cooldown_max", rc.CooldownMax)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		CallTimeout:  callTimeout,
		MaxAttempts:  rc.MaxAttempts,
		TripFailures: rc.TripFailures,
		CooldownBase: base,
		CooldownMax:  maxCool,
		HintWeight:   rc.HintWeight,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("memory.retention", cfg.Memory.Retention, defaultRetention)
}
