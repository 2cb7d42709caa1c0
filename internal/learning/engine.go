// Package learning scores past interactions and turns recurring tag trends
// into routing hints and follow-up task suggestions.
//
// Analyze is a pure function of its input records: the same set of records
// yields the same Result regardless of the order they are passed in.
package learning

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"steward/internal/model"
	"steward/internal/storage"
)

// Config tunes the engine. Zero fields fall back to defaults.
type Config struct {
	// Lookback is the window of interactions read by Run.
	Lookback time.Duration
	// Decay is the EWMA weight multiplier per step back in time (0 < Decay <= 1).
	Decay float64
	// MinPattern is the minimum number of interactions sharing a tag before a
	// trend can be flagged.
	MinPattern int
	// TrendThreshold is the minimum |last - first| score movement for a trend.
	TrendThreshold float64
	// RecurringMin is the count at which a trendless tag is still worth a
	// follow-up. 0 means 2*MinPattern.
	RecurringMin int
}

const (
	DefaultLookback       = 7 * 24 * time.Hour
	DefaultDecay          = 0.9
	DefaultMinPattern     = 3
	DefaultTrendThreshold = 0.15

	// epsilon absorbs float noise when comparing score movements.
	epsilon = 1e-9
)

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = DefaultDecay
	}
	if c.MinPattern < 2 {
		c.MinPattern = DefaultMinPattern
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = DefaultTrendThreshold
	}
	if c.RecurringMin <= 0 {
		c.RecurringMin = 2 * c.MinPattern
	}
	return c
}

// Pattern is a tag whose interactions repeat often enough to act on.
type Pattern struct {
	Tag      string      `json:"tag"`
	Trend    model.Trend `json:"trend"`
	Count    int         `json:"count"`
	First    float64     `json:"first"`
	Last     float64     `json:"last"`
	Backends []string    `json:"backends"`
}

// Result is the output of one analysis pass.
type Result struct {
	Hints         model.RoutingHints     `json:"hints"`
	Suggestions   []model.TaskSuggestion `json:"suggestions"`
	Patterns      []Pattern              `json:"patterns"`
	BackendScores map[string]float64     `json:"backend_scores"`
	TagScores     map[string]float64     `json:"tag_scores"`
	// SuccessRate is the plain mean score over the window.
	SuccessRate float64 `json:"success_rate"`
	Count       int     `json:"count"`
}

// InteractionSource is the part of the store the engine reads.
type InteractionSource interface {
	QueryInteractions(ctx context.Context, f storage.InteractionFilter) iter.Seq2[model.InteractionRecord, error]
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Config() Config { return e.cfg }

// Window reads the interactions inside the lookback window ending at now.
func (e *Engine) Window(ctx context.Context, src InteractionSource, now time.Time) ([]model.InteractionRecord, error) {
	recs, err := storage.Collect(src.QueryInteractions(ctx, storage.InteractionFilter{Since: now.Add(-e.cfg.Lookback)}))
	if err != nil {
		return nil, fmt.Errorf("read interaction window: %w", err)
	}
	return recs, nil
}

// Run reads the window and analyzes it.
func (e *Engine) Run(ctx context.Context, src InteractionSource, now time.Time) (Result, error) {
	recs, err := e.Window(ctx, src, now)
	if err != nil {
		return Result{}, err
	}
	return e.Analyze(recs), nil
}

// Analyze scores records and derives hints and suggestions.
func (e *Engine) Analyze(records []model.InteractionRecord) Result {
	cfg := e.cfg
	res := Result{
		Hints:         model.RoutingHints{},
		Suggestions:   []model.TaskSuggestion{},
		Patterns:      []Pattern{},
		BackendScores: map[string]float64{},
		TagScores:     map[string]float64{},
	}
	if len(records) == 0 {
		return res
	}

	recs := canonicalOrder(records)
	res.Count = len(recs)

	byBackend := map[string][]float64{}
	byTag := map[string][]model.InteractionRecord{}
	var sum float64
	for _, r := range recs {
		sum += r.SuccessScore
		byBackend[r.BackendID] = append(byBackend[r.BackendID], r.SuccessScore)
		for _, tag := range model.NormalizeTags(r.Tags) {
			byTag[tag] = append(byTag[tag], r)
		}
	}
	res.SuccessRate = sum / float64(len(recs))

	for id, scores := range byBackend {
		res.BackendScores[id] = ewma(scores, cfg.Decay)
	}

	for _, tag := range sortedKeys(byTag) {
		group := byTag[tag]
		scores := make([]float64, len(group))
		for i, r := range group {
			scores[i] = r.SuccessScore
		}
		res.TagScores[tag] = ewma(scores, cfg.Decay)

		if len(group) < cfg.MinPattern {
			continue
		}
		trend, ok := detectTrend(scores, cfg.TrendThreshold)
		if !ok {
			if len(group) < cfg.RecurringMin {
				continue
			}
			trend = model.TrendRecurring
		}

		p := Pattern{
			Tag:      tag,
			Trend:    trend,
			Count:    len(group),
			First:    scores[0],
			Last:     scores[len(scores)-1],
			Backends: backendsOf(group),
		}
		res.Patterns = append(res.Patterns, p)

		if trend == model.TrendDegrading {
			drop := p.First - p.Last
			shares := map[string]int{}
			for _, r := range group {
				shares[r.BackendID]++
			}
			for _, id := range p.Backends {
				res.Hints[id] -= drop * float64(shares[id]) / float64(len(group))
			}
		}
		res.Suggestions = append(res.Suggestions, suggestionFor(p, group[len(group)-1].ID))
	}

	for id, v := range res.Hints {
		res.Hints[id] = clamp(v, -1, 1)
	}
	return res
}

func suggestionFor(p Pattern, lastID string) model.TaskSuggestion {
	s := model.TaskSuggestion{
		Tag:       p.Tag,
		Trend:     p.Trend,
		Priority:  model.PriorityNormal,
		SourceRef: "pattern:" + p.Tag + "@" + lastID,
	}
	switch p.Trend {
	case model.TrendDegrading:
		s.Title = "Investigate declining results: " + p.Tag
		s.Priority = model.PriorityHigh
	case model.TrendImproving:
		s.Title = "Build on improving results: " + p.Tag
	default:
		s.Title = "Follow up on recurring topic: " + p.Tag
	}
	return s
}

// detectTrend reports a monotonic (non-strict) movement of at least threshold
// from the first to the last score.
func detectTrend(scores []float64, threshold float64) (model.Trend, bool) {
	if len(scores) < 2 {
		return "", false
	}
	up, down := true, true
	for i := 1; i < len(scores); i++ {
		d := scores[i] - scores[i-1]
		if d < -epsilon {
			up = false
		}
		if d > epsilon {
			down = false
		}
	}
	delta := scores[len(scores)-1] - scores[0]
	switch {
	case up && delta >= threshold-epsilon:
		return model.TrendImproving, true
	case down && -delta >= threshold-epsilon:
		return model.TrendDegrading, true
	default:
		return "", false
	}
}

// ewma weights the newest score 1, the one before it decay, then decay^2 ...
func ewma(scores []float64, decay float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var num, den float64
	w := 1.0
	for i := len(scores) - 1; i >= 0; i-- {
		num += w * scores[i]
		den += w
		w *= decay
	}
	return num / den
}

// canonicalOrder returns a copy sorted by a total order over record content so
// that analysis never depends on input order.
func canonicalOrder(records []model.InteractionRecord) []model.InteractionRecord {
	out := append([]model.InteractionRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.BackendID != b.BackendID {
			return a.BackendID < b.BackendID
		}
		if a.PromptDigest != b.PromptDigest {
			return a.PromptDigest < b.PromptDigest
		}
		return a.SuccessScore < b.SuccessScore
	})
	return out
}

func backendsOf(group []model.InteractionRecord) []string {
	seen := map[string]struct{}{}
	for _, r := range group {
		seen[r.BackendID] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
