package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestWriterLogger_FieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "router"))

	log.Debug("hidden")
	log.Info("routed", String("backend", "perplexity"), Int("attempts", 2), Err(errors.New("boom")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	l := lines[0]
	assert.Equal(t, "routed", l["message"])
	assert.Equal(t, "router", l["comp"])
	assert.Equal(t, "perplexity", l["backend"])
	assert.EqualValues(t, 2, l["attempts"])
	assert.Equal(t, "boom", l["err"])
	assert.Contains(t, l["caller"], "logging_test.go:")
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("nothing")
	zero.With(String("k", "v")).Warn("nothing")

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.Error("nothing")
}

func TestService_ApplyChangesLevelLive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "steward.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	comp := log.With(String("comp", "scheduler"))

	comp.Info("before")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	comp.Debug("after")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	assert.Equal(t, "after", lines[0]["message"])
	assert.Equal(t, "scheduler", lines[0]["comp"])
	assert.True(t, comp.Enabled(LevelDebug))
}
