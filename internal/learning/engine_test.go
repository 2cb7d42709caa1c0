package learning

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/model"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func rec(id, backend string, score float64, at time.Duration, tags ...string) model.InteractionRecord {
	return model.InteractionRecord{
		ID:           id,
		BackendID:    backend,
		SuccessScore: score,
		Timestamp:    t0.Add(at),
		Tags:         tags,
	}
}

func TestAnalyze_EmptyWindowIsNeutral(t *testing.T) {
	t.Parallel()
	res := New(Config{}).Analyze(nil)
	assert.Empty(t, res.Hints)
	assert.Empty(t, res.Suggestions)
	assert.Empty(t, res.Patterns)
	assert.Zero(t, res.Count)
}

func TestAnalyze_CarModsDegrading(t *testing.T) {
	t.Parallel()
	res := New(Config{}).Analyze([]model.InteractionRecord{
		rec("1", "perplexity", 0.9, 0, "car-mods"),
		rec("2", "perplexity", 0.6, time.Hour, "car-mods"),
		rec("3", "perplexity", 0.3, 2*time.Hour, "car-mods"),
	})

	require.Len(t, res.Patterns, 1)
	assert.Equal(t, model.TrendDegrading, res.Patterns[0].Trend)

	require.Contains(t, res.Hints, "perplexity")
	assert.Less(t, res.Hints["perplexity"], 0.0)
	assert.InDelta(t, -0.6, res.Hints["perplexity"], 1e-9)

	require.Len(t, res.Suggestions, 1)
	s := res.Suggestions[0]
	assert.Equal(t, model.PriorityHigh, s.Priority)
	assert.Contains(t, s.Title, "car-mods")
	assert.Equal(t, "car-mods", s.Tag)
}

func TestAnalyze_PenaltySplitByShare(t *testing.T) {
	t.Parallel()
	res := New(Config{}).Analyze([]model.InteractionRecord{
		rec("1", "a", 0.8, 0, "tax"),
		rec("2", "a", 0.6, time.Hour, "tax"),
		rec("3", "b", 0.4, 2*time.Hour, "tax"),
		rec("4", "a", 0.2, 3*time.Hour, "tax"),
	})
	// drop 0.6: a holds 3/4, b holds 1/4.
	assert.InDelta(t, -0.45, res.Hints["a"], 1e-9)
	assert.InDelta(t, -0.15, res.Hints["b"], 1e-9)
}

func TestAnalyze_SinglePointNeverFlagged(t *testing.T) {
	t.Parallel()
	res := New(Config{}).Analyze([]model.InteractionRecord{
		rec("1", "a", 0.1, 0, "x"),
		rec("2", "a", 0.9, time.Hour, "y"),
		rec("3", "b", 0.5, 2*time.Hour, "z"),
	})
	assert.Empty(t, res.Patterns)
	assert.Empty(t, res.Suggestions)
	assert.Empty(t, res.Hints)
	assert.Len(t, res.TagScores, 3)
}

func TestAnalyze_Trends(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		scores []float64
		want   model.Trend
		prio   model.Priority
		none   bool
	}{
		{name: "improving", scores: []float64{0.2, 0.5, 0.7}, want: model.TrendImproving, prio: model.PriorityNormal},
		{name: "flat steps still monotonic", scores: []float64{0.9, 0.9, 0.6}, want: model.TrendDegrading, prio: model.PriorityHigh},
		{name: "below threshold", scores: []float64{0.5, 0.45, 0.4}, none: true},
		{name: "not monotonic", scores: []float64{0.9, 0.2, 0.6, 0.3}, none: true},
		{name: "recurring without trend", scores: []float64{0.5, 0.7, 0.5, 0.7, 0.5, 0.7}, want: model.TrendRecurring, prio: model.PriorityNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var recs []model.InteractionRecord
			for i, s := range tc.scores {
				recs = append(recs, rec(fmt.Sprint(i), "a", s, time.Duration(i)*time.Minute, "topic"))
			}
			res := New(Config{}).Analyze(recs)
			if tc.none {
				assert.Empty(t, res.Patterns)
				assert.Empty(t, res.Suggestions)
				return
			}
			require.Len(t, res.Patterns, 1)
			assert.Equal(t, tc.want, res.Patterns[0].Trend)
			require.Len(t, res.Suggestions, 1)
			assert.Equal(t, tc.prio, res.Suggestions[0].Priority)
			if tc.want != model.TrendDegrading {
				assert.Empty(t, res.Hints)
			}
		})
	}
}

func TestAnalyze_OrderIndependent(t *testing.T) {
	t.Parallel()
	var recs []model.InteractionRecord
	backends := []string{"perplexity", "abacus", "handoff"}
	tags := []string{"car-mods", "cooking", "tax", "travel"}
	for i := 0; i < 40; i++ {
		score := float64((i*37)%100) / 100
		if i%4 == 0 {
			score = 1 - float64(i)/40
		}
		recs = append(recs, rec(fmt.Sprintf("r%02d", i), backends[i%3], score,
			time.Duration(i/2)*time.Minute, tags[i%4], tags[(i+1)%4]))
	}

	e := New(Config{})
	want := e.Analyze(recs)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.InteractionRecord(nil), recs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := e.Analyze(shuffled)
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("analysis depends on input order (-want +got):\n%s", diff)
		}
	}
}

func TestEWMA_FavorsRecent(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.5, ewma([]float64{0.5}, 0.9), 1e-12)
	rising := ewma([]float64{0, 1}, 0.9)
	falling := ewma([]float64{1, 0}, 0.9)
	assert.Greater(t, rising, 0.5)
	assert.Less(t, falling, 0.5)
}

func TestRun_ReadsLookbackWindow(t *testing.T) {
	t.Parallel()
	now := t0
	clock := func() time.Time { return now }
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop(), storage.WithClock(clock))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	_, err = st.AppendInteraction(ctx, model.InteractionRecord{BackendID: "a", SuccessScore: 1, Tags: []string{"old"}})
	require.NoError(t, err)

	now = now.Add(10 * 24 * time.Hour)
	for _, s := range []float64{0.9, 0.6, 0.3} {
		now = now.Add(time.Minute)
		_, err = st.AppendInteraction(ctx, model.InteractionRecord{BackendID: "a", SuccessScore: s, Tags: []string{"car-mods"}})
		require.NoError(t, err)
	}

	res, err := New(Config{Lookback: 24 * time.Hour}).Run(ctx, st, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.NotContains(t, res.TagScores, "old")
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, model.PriorityHigh, res.Suggestions[0].Priority)
}
