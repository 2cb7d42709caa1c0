// Package tasks manages user and autonomous tasks.
//
// Tasks are never deleted. Status moves only along
// PENDING -> IN_PROGRESS -> DONE, PENDING -> CANCELLED and
// IN_PROGRESS -> CANCELLED.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/eventbus"
	"steward/internal/model"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

// Store is the part of storage.Store the manager uses.
type Store interface {
	UpsertTask(ctx context.Context, t model.Task) (model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	QueryTasks(ctx context.Context, f storage.TaskFilter) iter.Seq2[model.Task, error]
	UpdateTaskStatus(ctx context.Context, id string, from, to model.TaskStatus) (model.Task, error)
}

type Manager struct {
	st  Store
	log logx.Logger
	bus eventbus.Bus

	// applyMu serialises suggestion batches within the process; the store's
	// unique index covers other processes.
	applyMu sync.Mutex
}

func New(st Store, log logx.Logger, bus eventbus.Bus) *Manager {
	return &Manager{st: st, log: log.With(logx.String("comp", "tasks")), bus: bus}
}

type CreateOption func(*model.Task)

func WithDueAt(t time.Time) CreateOption {
	return func(tk *model.Task) {
		if !t.IsZero() {
			tk.DueAt = &t
		}
	}
}

func WithSourceRef(ref string) CreateOption {
	return func(tk *model.Task) { tk.SourceRef = ref }
}

func (m *Manager) Create(ctx context.Context, title string, prio model.Priority, origin model.Origin, opts ...CreateOption) (model.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.Task{}, errors.New("task title is required")
	}
	if prio == 0 {
		prio = model.PriorityNormal
	}
	if !prio.Valid() {
		return model.Task{}, fmt.Errorf("invalid priority %d", int(prio))
	}
	if origin == "" {
		origin = model.OriginUser
	}
	t := model.Task{
		ID:       uuid.NewString(),
		Title:    title,
		Priority: prio,
		Status:   model.TaskPending,
		Origin:   origin,
	}
	for _, o := range opts {
		o(&t)
	}
	t, err := m.st.UpsertTask(ctx, t)
	if err != nil {
		return model.Task{}, err
	}
	m.log.Info("task created",
		logx.String("id", t.ID),
		logx.String("title", t.Title),
		logx.String("priority", t.Priority.String()),
		logx.String("origin", string(t.Origin)))
	eventbus.Publish(m.bus, eventbus.TaskCreated, t)
	return t, nil
}

func (m *Manager) Get(ctx context.Context, id string) (model.Task, error) {
	return m.st.GetTask(ctx, id)
}

// List returns tasks ordered by priority (highest first), then due date,
// then creation time. A zero status lists every status.
func (m *Manager) List(ctx context.Context, status model.TaskStatus, prioMin model.Priority) ([]model.Task, error) {
	return storage.Collect(m.st.QueryTasks(ctx, storage.TaskFilter{Status: status, PriorityMin: prioMin}))
}

// Open lists PENDING and IN_PROGRESS tasks.
func (m *Manager) Open(ctx context.Context) ([]model.Task, error) {
	return storage.Collect(m.st.QueryTasks(ctx, storage.TaskFilter{OpenOnly: true}))
}

// CompletedSince lists tasks that reached DONE at or after since.
func (m *Manager) CompletedSince(ctx context.Context, since time.Time) ([]model.Task, error) {
	return storage.Collect(m.st.QueryTasks(ctx, storage.TaskFilter{Status: model.TaskDone, UpdatedSince: since}))
}

func validTransition(from, to model.TaskStatus) bool {
	switch from {
	case model.TaskPending:
		return to == model.TaskInProgress || to == model.TaskCancelled
	case model.TaskInProgress:
		return to == model.TaskDone || to == model.TaskCancelled
	default:
		return false
	}
}

// Transition moves a task to a new status. Illegal moves fail with
// model.ErrInvalidTransition and leave the task untouched.
func (m *Manager) Transition(ctx context.Context, id string, to model.TaskStatus) (model.Task, error) {
	cur, err := m.st.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if !validTransition(cur.Status, to) {
		return cur, fmt.Errorf("task %s: %s -> %s: %w", id, cur.Status, to, model.ErrInvalidTransition)
	}
	t, err := m.st.UpdateTaskStatus(ctx, id, cur.Status, to)
	if err != nil {
		return model.Task{}, err
	}
	m.log.Info("task moved", logx.String("id", id), logx.String("from", string(cur.Status)), logx.String("to", string(to)))
	return t, nil
}

// ApplyResult reports what ApplySuggestions did.
type ApplyResult struct {
	Created []model.Task
	Skipped []string
}

// ApplySuggestions creates an AUTONOMOUS task for every suggestion whose
// title does not match an open task, ignoring case. Applying the same
// suggestions again creates nothing.
func (m *Manager) ApplySuggestions(ctx context.Context, suggestions []model.TaskSuggestion) (ApplyResult, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	var res ApplyResult
	if len(suggestions) == 0 {
		return res, nil
	}
	open, err := m.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("list open tasks: %w", err)
	}
	seen := make(map[string]struct{}, len(open)+len(suggestions))
	for _, t := range open {
		seen[storage.NormalizeTitle(t.Title)] = struct{}{}
	}

	for _, s := range suggestions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := storage.NormalizeTitle(s.Title)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			res.Skipped = append(res.Skipped, s.Title)
			continue
		}
		t, err := m.Create(ctx, s.Title, s.Priority, model.OriginAutonomous, WithSourceRef(s.SourceRef))
		if errors.Is(err, model.ErrConflict) {
			// Another process created it first.
			res.Skipped = append(res.Skipped, s.Title)
			seen[key] = struct{}{}
			continue
		}
		if err != nil {
			return res, err
		}
		seen[key] = struct{}{}
		res.Created = append(res.Created, t)
	}
	return res, nil
}
