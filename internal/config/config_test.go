package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	logx "steward/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/steward.db
scheduler:
  tick: 30s
  timezone: UTC
  jobs:
    - id: health_check
      schedule: 5m
    - id: weekly_review
      kind: self_assessment
      schedule: "at:Sunday 18:00"
router:
  backends:
    - id: perplexity
      kind: perplexity
      api_key: env:STEWARD_TEST_PPLX
      rate_per_sec: 1
      burst: 2
    - id: handoff
      kind: handoff
      dir: ./handoffs
report:
  telegram:
    enabled: true
    token: "123:abc"
    chat_id: -100200
memory:
  retention: 720h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "steward.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "30s", cfg.Scheduler.Tick)
	require.Len(t, cfg.Router.Backends, 2)
	assert.Equal(t, 2, cfg.Router.Backends[0].Burst)
	assert.Equal(t, int64(-100200), cfg.Report.Telegram.ChatID)
	assert.True(t, cfg.Report.LogEnabled())

	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestEffectiveJobs_MergesOverDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("steward.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	jobs := cfg.EffectiveJobs()
	require.Len(t, jobs, 6)
	byID := map[string]JobConfig{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	assert.Equal(t, "5m", byID["health_check"].Schedule)
	assert.Equal(t, "HEALTH_CHECK", byID["health_check"].Kind)
	assert.Equal(t, "0 9 * * *", byID["daily_update"].Schedule)
	assert.Equal(t, "0 2 * * 0", byID["memory_cleanup"].Schedule)
	assert.Equal(t, "weekly_review", jobs[5].ID)
	assert.True(t, jobs[5].IsEnabled())
}

func TestDecode_RejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"storage":{"path":"x"},"plugins":{}}`))
	require.ErrorContains(t, err, "plugins")

	_, err = Decode("c.json", []byte(`{"storage":{"path":"x"}} {}`))
	require.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("storage:\n  path: x\n  colour: red\n"))
	require.Error(t, err)

	cfg, err := Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		c := Default()
		c.Router.Backends = []BackendConfig{{ID: "p", Kind: BackendPerplexity}}
		return c
	}
	require.NoError(t, Validate(base()))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad tick", func(c *Config) { c.Scheduler.Tick = "soon" }, "scheduler.tick"},
		{"negative duration", func(c *Config) { c.Memory.Retention = "-1h" }, "memory.retention"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad schedule", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: "daily_update", Schedule: "whenever"}}
		}, "job daily_update: schedule"},
		{"bad kind", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: "x", Kind: "DANCE", Schedule: "1h"}}
		}, "job x"},
		{"duplicate job", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: "x", Kind: "HEALTH_CHECK", Schedule: "1h"}, {ID: "x", Kind: "HEALTH_CHECK", Schedule: "2h"}}
		}, "duplicate"},
		{"decay", func(c *Config) { c.Learning.Decay = 1.5 }, "learning.decay"},
		{"duplicate backend", func(c *Config) {
			c.Router.Backends = append(c.Router.Backends, BackendConfig{ID: "p", Kind: BackendAbacus})
		}, "duplicate"},
		{"unknown backend kind", func(c *Config) { c.Router.Backends[0].Kind = "gemini" }, "unknown backend kind"},
		{"openai needs model", func(c *Config) { c.Router.Backends[0].Kind = BackendOpenAI }, "base_url and model"},
		{"handoff needs dir", func(c *Config) { c.Router.Backends[0].Kind = BackendHandoff }, "dir"},
		{"telegram", func(c *Config) { c.Report.Telegram = &ReportTelegramConfig{Enabled: true} }, "report.telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			require.ErrorContains(t, Validate(c), tt.want)
		})
	}
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("STEWARD_TEST_SECRET", " s3cret ")
	v, err := ResolveSecret("env:STEWARD_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = ResolveSecret(" literal ")
	require.NoError(t, err)
	assert.Equal(t, "literal", v)

	_, err = ResolveSecret("env:STEWARD_TEST_UNSET_SECRET")
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := m.Load()
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NotNil(t, cfg)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, Validate(cfg))
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := Default()
	a.Router.Backends = []BackendConfig{{ID: "p", Kind: BackendPerplexity, APIKey: "k1"}, {ID: "h", Kind: BackendHandoff, Dir: "d"}}
	b := Default()
	b.Logging.Level = "debug"
	b.Router.Backends = []BackendConfig{{ID: "p", Kind: BackendPerplexity, APIKey: "k2"}, {ID: "a", Kind: BackendAbacus}}

	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "router"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"a", "h", "p"}, diffBackends(a.Router.Backends, b.Router.Backends))

	changed, _ = SummarizeChange(a, a)
	assert.Empty(t, changed)
}

func TestWatch_PublishesValidReloadsOnly(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "steward.json", `{"storage":{"path":"a.db"}}`)
	m := NewManager(path, WithDebounce(20*time.Millisecond), WithLogger(logx.Nop()))
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"path":""}}`), 0o600))
	select {
	case <-sub:
		t.Fatal("invalid config must not be published")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"path":"b.db"}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "b.db", cfg.Storage.Path)
		assert.Equal(t, "b.db", m.Get().Storage.Path)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
}
