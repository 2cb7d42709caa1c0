package config

import (
	"reflect"
	"slices"
	"strings"

	logx "steward/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// attributes for them. Secrets (api keys, bot token) are never included,
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.jobs", len(newCfg.EffectiveJobs())),
		)
	}
	if oldCfg.Learning != newCfg.Learning {
		changed = append(changed, "learning")
		attrs = append(attrs,
			logx.String("learning.lookback", newCfg.Learning.Lookback),
			logx.Float64("learning.decay", newCfg.Learning.Decay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Router, newCfg.Router) {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.Int("router.backends", len(newCfg.Router.Backends)),
			logx.Strs("router.backends_changed", diffBackends(oldCfg.Router.Backends, newCfg.Router.Backends)),
			logx.Float64("router.hint_weight", newCfg.Router.HintWeight),
		)
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		tg := newCfg.Report.Telegram
		attrs = append(attrs,
			logx.Bool("report.log", newCfg.Report.LogEnabled()),
			logx.Bool("report.file_set", strings.TrimSpace(newCfg.Report.File) != ""),
			logx.Bool("report.telegram_enabled", tg != nil && tg.Enabled),
			logx.Bool("report.telegram_token_set", tg != nil && strings.TrimSpace(tg.Token) != ""),
		)
	}
	if oldCfg.Memory != newCfg.Memory {
		changed = append(changed, "memory")
		attrs = append(attrs, logx.String("memory.retention", newCfg.Memory.Retention))
	}

	slices.Sort(changed)
	return changed, attrs
}

// diffBackends lists backend ids that were added, removed or edited.
func diffBackends(oldB, newB []BackendConfig) []string {
	byID := func(bs []BackendConfig) map[string]BackendConfig {
		m := make(map[string]BackendConfig, len(bs))
		for _, b := range bs {
			m[b.ID] = b
		}
		return m
	}
	o, n := byID(oldB), byID(newB)
	var out []string
	for id, b := range n {
		if prev, ok := o[id]; !ok || prev != b {
			out = append(out, id)
		}
	}
	for id := range o {
		if _, ok := n[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
