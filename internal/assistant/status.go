package assistant

import (
	"context"
	"time"

	"steward/internal/model"
	"steward/internal/scheduler"
	"steward/internal/storage"
)

type Status struct {
	GeneratedAt     time.Time             `json:"generated_at"`
	MemoryItems     int                   `json:"memory_items"`
	Interactions24h int                   `json:"interactions_24h"`
	PendingTasks    int                   `json:"pending_tasks"`
	InProgressTasks int                   `json:"in_progress_tasks"`
	Jobs            []scheduler.JobInfo   `json:"jobs"`
	Backends        []model.BackendHealth `json:"backends"`
	Hints           model.RoutingHints    `json:"hints,omitempty"`
}

// Status collects counts, the job table and backend health.
func (c *Context) Status(ctx context.Context) (Status, error) {
	now := c.now()
	st := Status{GeneratedAt: now}

	var err error
	if st.MemoryItems, err = c.Store.CountMemory(ctx, ""); err != nil {
		return st, err
	}
	recent, err := storage.Collect(c.Store.QueryInteractions(ctx, storage.InteractionFilter{Since: now.Add(-24 * time.Hour)}))
	if err != nil {
		return st, err
	}
	st.Interactions24h = len(recent)

	open, err := c.Tasks.Open(ctx)
	if err != nil {
		return st, err
	}
	for _, t := range open {
		if t.Status == model.TaskPending {
			st.PendingTasks++
		} else {
			st.InProgressTasks++
		}
	}

	if c.Scheduler != nil {
		if st.Jobs, err = c.Scheduler.Snapshot(ctx); err != nil {
			return st, err
		}
	}
	if c.Router != nil {
		st.Backends = c.Router.Snapshot()
		st.Hints = c.Router.Hints()
	} else if st.Backends, err = c.Store.ListHealth(ctx); err != nil {
		return st, err
	}
	return st, nil
}
