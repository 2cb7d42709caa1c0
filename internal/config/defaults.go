package config

import (
	"strings"

	"steward/internal/model"
)

// DefaultJobs are the recurring jobs every steward runs unless the file
// overrides them by id.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{ID: "daily_update", Kind: string(model.JobDailyUpdate), Schedule: "0 9 * * *"},
		{ID: "learning_analysis", Kind: string(model.JobLearningAnalysis), Schedule: "3h"},
		{ID: "health_check", Kind: string(model.JobHealthCheck), Schedule: "15m"},
		{ID: "self_assessment", Kind: string(model.JobSelfAssessment), Schedule: "12h"},
		{ID: "memory_cleanup", Kind: string(model.JobMemoryCleanup), Schedule: "0 2 * * 0"},
	}
}

// Default is used when no config file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/steward.db"},
	}
}

// EffectiveJobs merges the configured jobs over DefaultJobs. Entries match
// by id; unknown ids are appended in file order.
func (c *Config) EffectiveJobs() []JobConfig {
	out := DefaultJobs()
	idx := make(map[string]int, len(out))
	for i, j := range out {
		idx[j.ID] = i
	}
	for _, j := range c.Scheduler.Jobs {
		id := strings.TrimSpace(j.ID)
		if i, ok := idx[id]; ok {
			if strings.TrimSpace(j.Kind) == "" {
				j.Kind = out[i].Kind
			}
			if strings.TrimSpace(j.Schedule) == "" {
				j.Schedule = out[i].Schedule
			}
			out[i] = j
			continue
		}
		idx[id] = len(out)
		out = append(out, j)
	}
	return out
}
