package assistant

import (
	"context"
	"fmt"
	"time"

	"steward/internal/eventbus"
	"steward/internal/model"
	"steward/internal/report"
	"steward/internal/router"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

const (
	hintsKey = "routing_hints"

	// Below this 7-day success rate the daily update asks for a review.
	reviewThreshold = 0.7
	// Fewer interactions than this over three days means learning is starved.
	minRecentInteractions = 5
)

// DailyUpdate summarizes tasks, interactions, learning and backend health,
// keeps the report in memory and publishes it.
func (c *Context) DailyUpdate(ctx context.Context, _ model.ScheduledJob) error {
	now := c.now()
	local := now.In(c.loc())

	open, err := c.Tasks.Open(ctx)
	if err != nil {
		return err
	}
	var pending, inProgress int
	var high []string
	for _, t := range open {
		if t.Status == model.TaskPending {
			pending++
		} else {
			inProgress++
		}
		if t.Priority >= model.PriorityHigh && len(high) < 3 {
			high = append(high, fmt.Sprintf("[%s] %s", t.Priority, t.Title))
		}
	}
	done, err := c.Tasks.CompletedSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recent, err := storage.Collect(c.Store.QueryInteractions(ctx, storage.InteractionFilter{Since: now.Add(-24 * time.Hour)}))
	if err != nil {
		return err
	}
	memCount, err := c.Store.CountMemory(ctx, "")
	if err != nil {
		return err
	}
	res, err := c.Learning.Run(ctx, c.Store, now)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var health []model.BackendHealth
	if c.Router != nil {
		health = c.Router.Snapshot()
	}

	r := report.Report{
		Kind:        report.KindDailyUpdate,
		Title:       "Daily update " + local.Format("Mon 2006-01-02"),
		GeneratedAt: local,
		Data: map[string]any{
			"pending_tasks":     pending,
			"in_progress_tasks": inProgress,
			"high_priority":     high,
			"interactions_24h":  len(recent),
			"memory_items":      memCount,
			"completed_7d":      len(done),
			"success_rate":      res.SuccessRate,
			"window_count":      res.Count,
			"backends":          health,
		},
	}
	r.Add("Tasks",
		fmt.Sprintf("%s pending, %s in progress", report.Count(pending), report.Count(inProgress)),
		fmt.Sprintf("%s completed in the last 7 days", report.Count(len(done))),
	)
	r.Add("High priority", high...)
	activity := []string{
		fmt.Sprintf("%s interactions in the last 24h", report.Count(len(recent))),
		fmt.Sprintf("%s memory items", report.Count(memCount)),
	}
	if res.Count > 0 {
		activity = append(activity, fmt.Sprintf("success rate %s over %s interactions", report.Percent(res.SuccessRate), report.Count(res.Count)))
		if res.SuccessRate < reviewThreshold {
			activity = append(activity, "recommendation: review routing strategies")
		}
	}
	r.Add("Activity", activity...)
	r.Add("Backends", backendLines(health, now)...)

	if err := c.saveJSON(ctx, model.CategoryReports, "daily_update_"+local.Format("20060102"), r); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Sink != nil {
		if err := c.Sink.Publish(ctx, r); err != nil {
			return fmt.Errorf("publish daily update: %w", err)
		}
	}
	return nil
}

func backendLines(hs []model.BackendHealth, now time.Time) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		line := fmt.Sprintf("%s: %s, last success %s", h.BackendID, h.CircuitState, report.Ago(h.LastSuccessAt, now))
		if h.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(", %d failures", h.ConsecutiveFailures)
		}
		out = append(out, line)
	}
	return out
}

// LearningAnalysis scores the interaction window, persists and publishes the
// routing hints, then turns detected patterns into tasks.
func (c *Context) LearningAnalysis(ctx context.Context, _ model.ScheduledJob) error {
	now := c.now()
	res, err := c.Learning.Run(ctx, c.Store, now)
	if err != nil {
		return err
	}
	if err := c.saveJSON(ctx, model.CategoryLearning, hintsKey, res.Hints); err != nil {
		return err
	}
	key := "learning_analysis_" + now.In(c.loc()).Format("20060102_1504")
	if err := c.saveJSON(ctx, model.CategoryAnalysis, key, map[string]any{
		"analyzed_at":    now,
		"result":         res,
		"recommendation": recommendation(res.SuccessRate, res.Count),
	}); err != nil {
		return err
	}

	// Applied directly as well; the bus listener may not be running.
	if c.Router != nil {
		c.Router.SetHints(res.Hints)
	}
	eventbus.Publish(c.Bus, eventbus.HintsUpdated, res.Hints)
	if err := ctx.Err(); err != nil {
		return err
	}

	applied, err := c.Tasks.ApplySuggestions(ctx, res.Suggestions)
	if err != nil {
		return err
	}
	c.Log.Info("learning analysis done",
		logx.Int("interactions", res.Count),
		logx.Int("patterns", len(res.Patterns)),
		logx.Int("tasks_created", len(applied.Created)),
		logx.Int("tasks_skipped", len(applied.Skipped)))
	return nil
}

func recommendation(rate float64, n int) string {
	switch {
	case n == 0:
		return "No interactions in the window yet."
	case rate < 0.6:
		return "Focus on consolidating current knowledge before taking on new topics."
	case rate > 0.8:
		return "Results are strong; ready for more complex work."
	default:
		return "Maintain the current pace."
	}
}

// HealthCheck probes every backend and keeps the result in memory.
func (c *Context) HealthCheck(ctx context.Context, _ model.ScheduledJob) error {
	now := c.now()
	var (
		probes []router.ProbeResult
		health []model.BackendHealth
	)
	if c.Router != nil {
		probes = c.Router.ProbeAll(ctx)
		health = c.Router.Snapshot()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	healthy := 0
	for _, p := range probes {
		if p.OK {
			healthy++
		}
	}
	if err := c.saveJSON(ctx, model.CategoryHealth, "backend_health", map[string]any{
		"checked_at": now,
		"probes":     probes,
		"circuits":   health,
		"healthy":    healthy,
		"total":      len(probes),
	}); err != nil {
		return err
	}
	c.Log.Info("health check done", logx.Int("healthy", healthy), logx.Int("total", len(probes)))
	return nil
}

type improvementArea struct {
	Area       string               `json:"area"`
	Finding    string               `json:"finding"`
	Suggestion model.TaskSuggestion `json:"suggestion"`
}

// SelfAssessment looks for weak spots in recent activity and files tasks
// for them. Re-running it never duplicates an open task.
func (c *Context) SelfAssessment(ctx context.Context, _ model.ScheduledJob) error {
	now := c.now()
	ref := "self_assessment@" + now.In(c.loc()).Format("20060102")
	var areas []improvementArea

	recent, err := storage.Collect(c.Store.QueryInteractions(ctx, storage.InteractionFilter{Since: now.Add(-72 * time.Hour)}))
	if err != nil {
		return err
	}
	if len(recent) < minRecentInteractions {
		areas = append(areas, improvementArea{
			Area:    "Learning Enhancement",
			Finding: fmt.Sprintf("only %d interactions in the last 3 days", len(recent)),
			Suggestion: model.TaskSuggestion{
				Title: "Increase interaction variety for learning", Priority: model.PriorityNormal,
				Tag: "learning", SourceRef: ref,
			},
		})
	}

	if c.Router != nil {
		for _, h := range c.Router.Snapshot() {
			if h.CircuitState == model.CircuitClosed {
				continue
			}
			areas = append(areas, improvementArea{
				Area:    "Integration Review",
				Finding: fmt.Sprintf("%s circuit is %s after %d failures", h.BackendID, h.CircuitState, h.ConsecutiveFailures),
				Suggestion: model.TaskSuggestion{
					Title: "Review integration: " + h.BackendID, Priority: model.PriorityHigh,
					Tag: h.BackendID, SourceRef: ref,
				},
			})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	open, err := c.Tasks.Open(ctx)
	if err != nil {
		return err
	}
	overdue := 0
	for _, t := range open {
		if t.DueAt != nil && t.DueAt.Before(now) {
			overdue++
		}
	}
	if overdue > 0 {
		areas = append(areas, improvementArea{
			Area:    "Backlog Review",
			Finding: fmt.Sprintf("%d open tasks are overdue", overdue),
			Suggestion: model.TaskSuggestion{
				Title: "Review overdue backlog", Priority: model.PriorityHigh,
				Tag: "backlog", SourceRef: ref,
			},
		})
	}

	suggestions := make([]model.TaskSuggestion, 0, len(areas))
	for _, a := range areas {
		suggestions = append(suggestions, a.Suggestion)
	}
	applied, err := c.Tasks.ApplySuggestions(ctx, suggestions)
	if err != nil {
		return err
	}
	return c.saveJSON(ctx, model.CategoryImprovement, "self_assessment_"+now.In(c.loc()).Format("20060102_1504"), map[string]any{
		"assessed_at":   now,
		"areas":         areas,
		"tasks_created": len(applied.Created),
	})
}

// MemoryCleanup drops memory not updated within the retention period,
// except credentials and preferences.
func (c *Context) MemoryCleanup(ctx context.Context, _ model.ScheduledJob) error {
	now := c.now()
	cutoff := now.Add(-c.retention())
	deleted, err := c.Store.DeleteMemoryBefore(ctx, cutoff, protectedCategories)
	if err != nil {
		return err
	}
	remaining, err := c.Store.CountMemory(ctx, "")
	if err != nil {
		return err
	}
	return c.saveJSON(ctx, model.CategoryMaintenance, "memory_cleanup_"+now.In(c.loc()).Format("20060102"), map[string]any{
		"cleaned_at": now,
		"cutoff":     cutoff,
		"deleted":    deleted,
		"remaining":  remaining,
	})
}
