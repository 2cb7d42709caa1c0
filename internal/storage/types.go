package storage

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"steward/internal/model"
	logx "steward/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

type MemoryFilter struct {
	Category  string
	KeyPrefix string
	Since     time.Time // updated_at >= Since
	Newest    bool      // newest first instead of oldest first
	Limit     int
}

type InteractionFilter struct {
	Since     time.Time
	Tag       string
	BackendID string
	Limit     int
}

type TaskFilter struct {
	Status       model.TaskStatus
	OpenOnly     bool
	PriorityMin  model.Priority
	Origin       model.Origin
	UpdatedSince time.Time
}

// Integration is a configured backend as recorded in the integrations table.
type Integration struct {
	BackendID string
	Kind      string
	Endpoint  string
	Active    bool
	UpdatedAt time.Time
}

// Store is the persistence API used by the rest of steward.
//
// Query methods return lazy sequences: each range re-runs the query, and the
// sequence holds a connection while it is being ranged. Do not write to the
// store from inside the loop body; use Collect first.
type Store interface {
	PutMemory(ctx context.Context, e model.MemoryEntry) (model.MemoryEntry, error)
	GetMemory(ctx context.Context, category, key string) (model.MemoryEntry, error)
	QueryMemory(ctx context.Context, f MemoryFilter) iter.Seq2[model.MemoryEntry, error]
	CountMemory(ctx context.Context, category string) (int, error)
	DeleteMemoryBefore(ctx context.Context, before time.Time, keepCategories []string) (int64, error)

	AppendInteraction(ctx context.Context, r model.InteractionRecord) (model.InteractionRecord, error)
	QueryInteractions(ctx context.Context, f InteractionFilter) iter.Seq2[model.InteractionRecord, error]

	UpsertTask(ctx context.Context, t model.Task) (model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	QueryTasks(ctx context.Context, f TaskFilter) iter.Seq2[model.Task, error]
	UpdateTaskStatus(ctx context.Context, id string, from, to model.TaskStatus) (model.Task, error)

	UpsertJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error)
	GetJob(ctx context.Context, id string) (model.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)

	UpsertHealth(ctx context.Context, h model.BackendHealth) error
	ListHealth(ctx context.Context) ([]model.BackendHealth, error)

	UpsertIntegration(ctx context.Context, in Integration) error
	ListIntegrations(ctx context.Context) ([]Integration, error)

	Close() error
}

// Option customizes a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the store clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, o)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
