// Package assistant wires the store, router, task manager, learning engine
// and scheduler into the autonomous job bodies.
//
// Everything a job needs is reached through an explicit *Context; there is
// no package-level state.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"steward/internal/eventbus"
	"steward/internal/learning"
	"steward/internal/model"
	"steward/internal/report"
	"steward/internal/router"
	"steward/internal/scheduler"
	"steward/internal/storage"
	"steward/internal/tasks"
	logx "steward/pkg/logx"
)

const defaultRetention = 90 * 24 * time.Hour

// protectedCategories are never removed by memory cleanup.
var protectedCategories = []string{model.CategoryCredentials, model.CategoryPreferences}

type Context struct {
	Store     storage.Store
	Router    *router.Router
	Tasks     *tasks.Manager
	Learning  *learning.Engine
	Scheduler *scheduler.Service
	Sink      report.Sink
	Bus       eventbus.Bus
	Log       logx.Logger

	// Now defaults to time.Now; Location to time.Local.
	Now       func() time.Time
	Location  *time.Location
	Retention time.Duration
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) loc() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

func (c *Context) retention() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return defaultRetention
}

// Handlers returns the body of every job kind.
func (c *Context) Handlers() map[model.JobKind]scheduler.Handler {
	return map[model.JobKind]scheduler.Handler{
		model.JobDailyUpdate:      c.DailyUpdate,
		model.JobLearningAnalysis: c.LearningAnalysis,
		model.JobHealthCheck:      c.HealthCheck,
		model.JobSelfAssessment:   c.SelfAssessment,
		model.JobMemoryCleanup:    c.MemoryCleanup,
	}
}

// Install registers every job body with s.
func (c *Context) Install(s *scheduler.Service) {
	for kind, h := range c.Handlers() {
		s.Handle(kind, h)
	}
}

// Ask routes a prompt through the router. The attempt outcomes are recorded
// by the router itself.
func (c *Context) Ask(ctx context.Context, prompt string, tags ...string) (router.Response, error) {
	if c.Router == nil {
		return router.Response{}, router.ErrNoBackends
	}
	return c.Router.Route(ctx, router.Request{Prompt: prompt, Tags: tags})
}

// ReportFailure is the scheduler's failure hook: the error is kept in the
// errors category and published, since nobody is waiting on the job.
func (c *Context) ReportFailure(ctx context.Context, job model.ScheduledJob, runErr error) {
	now := c.now()
	rec := map[string]any{
		"job_id":        job.ID,
		"kind":          job.Kind,
		"error":         runErr.Error(),
		"timeout":       errors.Is(runErr, model.ErrJobTimeout),
		"failed_at":     now,
		"retry_pending": job.RetryPending,
		"next_run_at":   job.NextRunAt,
	}
	if err := c.saveJSON(ctx, model.CategoryErrors, string(job.Kind)+"_error", rec); err != nil {
		c.Log.Warn("save job error failed", logx.String("job", job.ID), logx.Err(err))
	}
	if c.Sink == nil {
		return
	}
	r := report.Report{
		Kind:        report.KindJobFailure,
		Title:       fmt.Sprintf("Job %s failed", job.ID),
		GeneratedAt: now.In(c.loc()),
		Data:        rec,
	}
	next := "normal schedule"
	if job.RetryPending {
		next = "retry " + report.Ago(job.NextRunAt, now)
	}
	r.Add("Error", runErr.Error()).Add("Next run", next)
	if err := c.Sink.Publish(ctx, r); err != nil {
		c.Log.Warn("publish job failure failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func (c *Context) saveJSON(ctx context.Context, category, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", category, key, err)
	}
	if _, err := c.Store.PutMemory(ctx, model.MemoryEntry{Category: category, Key: key, Value: data}); err != nil {
		return fmt.Errorf("save %s/%s: %w", category, key, err)
	}
	return nil
}

// LoadHints returns the last persisted routing hints, or nil.
func (c *Context) LoadHints(ctx context.Context) (model.RoutingHints, error) {
	e, err := c.Store.GetMemory(ctx, model.CategoryLearning, hintsKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h model.RoutingHints
	if err := json.Unmarshal(e.Value, &h); err != nil {
		return nil, fmt.Errorf("decode routing hints: %w", err)
	}
	return h, nil
}
