package tasks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/eventbus"
	"steward/internal/model"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop(), eventbus.New()), st
}

func TestTransition_Table(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path []model.TaskStatus
		to   model.TaskStatus
		ok   bool
	}{
		{nil, model.TaskInProgress, true},
		{nil, model.TaskCancelled, true},
		{nil, model.TaskDone, false},
		{nil, model.TaskPending, false},
		{[]model.TaskStatus{model.TaskInProgress}, model.TaskDone, true},
		{[]model.TaskStatus{model.TaskInProgress}, model.TaskCancelled, true},
		{[]model.TaskStatus{model.TaskInProgress}, model.TaskPending, false},
		{[]model.TaskStatus{model.TaskInProgress, model.TaskDone}, model.TaskCancelled, false},
		{[]model.TaskStatus{model.TaskCancelled}, model.TaskPending, false},
		{[]model.TaskStatus{model.TaskCancelled}, model.TaskInProgress, false},
	}
	for _, tc := range cases {
		m, _ := newTestManager(t)
		ctx := context.Background()
		tk, err := m.Create(ctx, "task", model.PriorityNormal, model.OriginUser)
		require.NoError(t, err)
		for _, s := range tc.path {
			_, err := m.Transition(ctx, tk.ID, s)
			require.NoError(t, err)
		}
		before, err := m.Get(ctx, tk.ID)
		require.NoError(t, err)

		_, err = m.Transition(ctx, tk.ID, tc.to)
		if tc.ok {
			require.NoError(t, err, "%v -> %s", tc.path, tc.to)
			continue
		}
		require.ErrorIs(t, err, model.ErrInvalidTransition, "%v -> %s", tc.path, tc.to)
		after, err := m.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
	}
}

func TestTransition_PendingToDoneKeepsPending(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	tk, err := m.Create(ctx, "Renew passport", model.PriorityHigh, model.OriginUser)
	require.NoError(t, err)

	_, err = m.Transition(ctx, tk.ID, model.TaskDone)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := m.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
}

func TestTransition_Missing(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	_, err := m.Transition(context.Background(), "nope", model.TaskInProgress)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, "  ", model.PriorityNormal, model.OriginUser)
	require.Error(t, err)
	_, err = m.Create(ctx, "x", model.Priority(9), model.OriginUser)
	require.Error(t, err)

	due := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tk, err := m.Create(ctx, "x", 0, "", WithDueAt(due))
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, tk.Priority)
	assert.Equal(t, model.OriginUser, tk.Origin)
	require.NotNil(t, tk.DueAt)
	assert.True(t, tk.DueAt.Equal(due))
}

func TestList_FiltersAndOrder(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	low, err := m.Create(ctx, "low", model.PriorityLow, model.OriginUser)
	require.NoError(t, err)
	_, err = m.Create(ctx, "urgent", model.PriorityUrgent, model.OriginUser)
	require.NoError(t, err)
	_, err = m.Transition(ctx, low.ID, model.TaskCancelled)
	require.NoError(t, err)

	all, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "urgent", all[0].Title)

	pending, err := m.List(ctx, model.TaskPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	high, err := m.List(ctx, "", model.PriorityHigh)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "urgent", high[0].Title)

	// Cancelled tasks are retained.
	cancelled, err := m.List(ctx, model.TaskCancelled, 0)
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestApplySuggestions_Idempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, "Follow up on recurring topic: TAX", model.PriorityNormal, model.OriginUser)
	require.NoError(t, err)

	sugg := []model.TaskSuggestion{
		{Title: "Investigate declining results: car-mods", Priority: model.PriorityHigh, Tag: "car-mods"},
		{Title: "investigate declining results: CAR-MODS", Priority: model.PriorityHigh, Tag: "car-mods"},
		{Title: "Follow up on recurring topic: tax", Priority: model.PriorityNormal, Tag: "tax"},
	}
	res, err := m.ApplySuggestions(ctx, sugg)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, model.OriginAutonomous, res.Created[0].Origin)
	assert.Equal(t, model.PriorityHigh, res.Created[0].Priority)
	assert.Len(t, res.Skipped, 2)

	res, err = m.ApplySuggestions(ctx, sugg)
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	open, err := m.Open(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestApplySuggestions_ConcurrentManagersNeverDuplicate(t *testing.T) {
	t.Parallel()
	_, st := newTestManager(t)
	ctx := context.Background()
	sugg := []model.TaskSuggestion{{Title: "Build on improving results: cooking", Priority: model.PriorityNormal}}

	// Separate managers share only the store, like two processes.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(st, logx.Nop(), nil).ApplySuggestions(ctx, sugg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := storage.Collect(st.QueryTasks(ctx, storage.TaskFilter{OpenOnly: true}))
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestApplySuggestions_ReopensAfterClose(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	sugg := []model.TaskSuggestion{{Title: "Investigate declining results: x", Priority: model.PriorityHigh}}

	res, err := m.ApplySuggestions(ctx, sugg)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	_, err = m.Transition(ctx, res.Created[0].ID, model.TaskCancelled)
	require.NoError(t, err)

	res, err = m.ApplySuggestions(ctx, sugg)
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}
