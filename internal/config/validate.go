package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"steward/internal/model"
	"steward/internal/scheduler"
)

var ErrMissingSecret = errors.New("secret not set")

// ResolveSecret expands "env:NAME" to the value of $NAME. Other values are
// returned trimmed.
func ResolveSecret(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	name, ok := strings.CutPrefix(s, "env:")
	if !ok {
		return s, nil
	}
	name = strings.TrimSpace(name)
	v, found := os.LookupEnv(name)
	if !found || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: $%s", ErrMissingSecret, name)
	}
	return strings.TrimSpace(v), nil
}

// Validate checks every field that would otherwise fail later at wiring
// time. All problems are reported together.
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
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" && d != "sqlite" {
		add(fmt.Errorf("storage.driver: unsupported driver %q", d))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path: required"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("scheduler.tick", cfg.Scheduler.Tick)
	dur("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	dur("scheduler.retry_delay", cfg.Scheduler.RetryDelay)
	_, err := cfg.Scheduler.Location()
	add(err)
	seen := map[string]bool{}
	for i, j := range cfg.Scheduler.Jobs {
		path := fmt.Sprintf("scheduler.jobs[%d].id", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			add(fmt.Errorf("%s: required", path))
		} else if seen[id] {
			add(fmt.Errorf("%s: duplicate %q", path, id))
		}
		seen[id] = true
	}
	for _, j := range cfg.EffectiveJobs() {
		if _, err := model.ParseJobKind(j.Kind); err != nil {
			add(fmt.Errorf("job %s: %w", j.ID, err))
		}
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			add(fmt.Errorf("job %s: schedule: %w", j.ID, err))
		}
	}

	dur("learning.lookback", cfg.Learning.Lookback)
	if d := cfg.Learning.Decay; d < 0 || d > 1 {
		add(fmt.Errorf("learning.decay: must be within (0, 1], got %v", d))
	}
	if cfg.Learning.MinPattern < 0 {
		add(errors.New("learning.min_pattern: must be >= 0"))
	}

	dur("router.call_timeout", cfg.Router.CallTimeout)
	dur("router.cooldown_base", cfg.Router.CooldownBase)
	dur("router.cooldown_max", cfg.Router.CooldownMax)
	if cfg.Router.MaxAttempts < 0 || cfg.Router.TripFailures < 0 {
		add(errors.New("router: max_attempts and trip_failures must be >= 0"))
	}
	ids := map[string]bool{}
	for i, b := range cfg.Router.Backends {
		path := fmt.Sprintf("router.backends[%d]", i)
		id := strings.TrimSpace(b.ID)
		switch {
		case id == "":
			add(fmt.Errorf("%s.id: required", path))
		case ids[id]:
			add(fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		ids[id] = true
		if b.RatePerSec < 0 || b.Burst < 0 {
			add(fmt.Errorf("%s: rate_per_sec and burst must be >= 0", path))
		}
		switch b.Kind {
		case BackendPerplexity, BackendAbacus:
		case BackendOpenAI:
			if strings.TrimSpace(b.BaseURL) == "" || strings.TrimSpace(b.Model) == "" {
				add(fmt.Errorf("%s: openai backends need base_url and model", path))
			}
		case BackendHandoff:
			if strings.TrimSpace(b.Dir) == "" {
				add(fmt.Errorf("%s.dir: required for handoff", path))
			}
		default:
			add(fmt.Errorf("%s.kind: unknown backend kind %q", path, b.Kind))
		}
	}

	if t := cfg.Report.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
			add(errors.New("report.telegram: token and chat_id required when enabled"))
		}
		dur("report.telegram.timeout", t.Timeout)
	}
	dur("memory.retention", cfg.Memory.Retention)

	return errors.Join(errs...)
}
