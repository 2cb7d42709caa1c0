package config

// Config is the steward configuration file. Durations are Go duration
// strings ("90s", "5m", "168h"); empty means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Learning  LearningConfig  `json:"learning"`
	Router    RouterConfig    `json:"router"`
	Report    ReportConfig    `json:"report"`
	Memory    MemoryConfig    `json:"memory"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/steward.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the job loop. Jobs omitted from Jobs keep their
// default schedule; an entry with the same id replaces the default.
type SchedulerConfig struct {
	Tick       string      `json:"tick,omitempty"`
	Timezone   string      `json:"timezone,omitempty"`
	JobTimeout string      `json:"job_timeout,omitempty"`
	RetryDelay string      `json:"retry_delay,omitempty"`
	Jobs       []JobConfig `json:"jobs,omitempty"`
}

type JobConfig struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	// Schedule is a cron expression, "@every 15m", a bare duration, or
	// "at:HH:MM" / "at:Sunday 02:00".
	Schedule string `json:"schedule"`
	// Enabled is a pointer so an omitted field means true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

type LearningConfig struct {
	Lookback       string  `json:"lookback,omitempty"`
	Decay          float64 `json:"decay,omitempty"`
	MinPattern     int     `json:"min_pattern,omitempty"`
	TrendThreshold float64 `json:"trend_threshold,omitempty"`
}

type RouterConfig struct {
	CallTimeout  string          `json:"call_timeout,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	TripFailures int             `json:"trip_failures,omitempty"`
	CooldownBase string          `json:"cooldown_base,omitempty"`
	CooldownMax  string          `json:"cooldown_max,omitempty"`
	HintWeight   float64         `json:"hint_weight,omitempty"`
	Backends     []BackendConfig `json:"backends"`
}

// Backend kinds.
const (
	BackendPerplexity = "perplexity"
	BackendAbacus     = "abacus"
	BackendOpenAI     = "openai"
	BackendHandoff    = "handoff"
)

// BackendConfig describes one routable backend.
//
// APIKey may be a literal or "env:NAME" (never logged). Dir is used by the
// handoff kind only.
type BackendConfig struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	BaseURL    string  `json:"base_url,omitempty"`
	APIKey     string  `json:"api_key,omitempty"`
	Model      string  `json:"model,omitempty"`
	System     string  `json:"system,omitempty"`
	Dir        string  `json:"dir,omitempty"`
	BaseScore  float64 `json:"base_score,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Disabled   bool    `json:"disabled,omitempty"`
}

// ReportConfig selects where daily updates and failure reports go.
type ReportConfig struct {
	// Log writes reports to the structured log. Defaults to true.
	Log      *bool                 `json:"log,omitempty"`
	File     string                `json:"file,omitempty"`
	Telegram *ReportTelegramConfig `json:"telegram,omitempty"`
}

func (r ReportConfig) LogEnabled() bool { return r.Log == nil || *r.Log }

type ReportTelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type MemoryConfig struct {
	// Retention is how long unprotected memory survives MEMORY_CLEANUP.
	Retention string `json:"retention,omitempty"`
}
