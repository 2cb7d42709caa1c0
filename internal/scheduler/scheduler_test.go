package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"steward/internal/eventbus"
	"steward/internal/model"
	"steward/internal/storage"
	logx "steward/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// 2024-03-01 08:00 UTC, a Friday.
func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func openStore(t *testing.T, path string, clk *fakeClock) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: path}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, storage.Store, *fakeClock) {
	t.Helper()
	clk := newClock()
	st := openStore(t, filepath.Join(t.TempDir(), "steward.db"), clk)
	return newOn(t, st, clk, cfg, opts...), st, clk
}

func newOn(t *testing.T, st storage.Store, clk *fakeClock, cfg Config, opts ...Option) *Service {
	t.Helper()
	cfg.Location = time.UTC
	s := New(cfg, st, logx.Nop(), append([]Option{WithClock(clk.Now)}, opts...)...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func tickAndWait(t *testing.T, s *Service) int {
	t.Helper()
	n := s.Tick(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	return n
}

func counting(n *atomic.Int32, err error) Handler {
	return func(context.Context, model.ScheduledJob) error {
		n.Add(1)
		return err
	}
}

func getJob(t *testing.T, st storage.Store, id string) model.ScheduledJob {
	t.Helper()
	j, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestTick_RunsDueJobAndReschedules(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	var runs atomic.Int32
	s.Handle(model.JobHealthCheck, counting(&runs, nil))

	_, err := s.Register(context.Background(), JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 0, tickAndWait(t, s))

	clk.Advance(time.Hour + maxStartupSpread)
	assert.Equal(t, 1, tickAndWait(t, s))
	assert.EqualValues(t, 1, runs.Load())

	j := getJob(t, st, "health_check")
	assert.Equal(t, model.JobSuccess, j.LastStatus)
	assert.True(t, j.LeaseUntil.IsZero())
	assert.True(t, j.LastRunAt.Equal(clk.Now()))
	assert.True(t, j.NextRunAt.Equal(clk.Now().Add(time.Hour)))

	assert.Equal(t, 0, tickAndWait(t, s))
	assert.EqualValues(t, 1, runs.Load())
}

func TestRestart_OverdueJobRunsExactlyOnce(t *testing.T) {
	t.Parallel()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "steward.db")
	spec := JobSpec{ID: "daily_update", Kind: model.JobDailyUpdate, Schedule: "0 9 * * *", Enabled: true}

	st := openStore(t, path, clk)
	first, err := newOn(t, st, clk, Config{}).Register(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Down across the 09:00 slot.
	clk.Advance(2*time.Hour + 30*time.Minute)

	st = openStore(t, path, clk)
	var runs atomic.Int32
	a := newOn(t, st, clk, Config{})
	b := newOn(t, st, clk, Config{})
	for _, s := range []*Service{a, b} {
		s.Handle(model.JobDailyUpdate, counting(&runs, nil))
		j, err := s.Register(context.Background(), spec)
		require.NoError(t, err)
		assert.True(t, j.NextRunAt.Equal(first.NextRunAt), "registration must keep the persisted slot")
	}

	var wg sync.WaitGroup
	for _, s := range []*Service{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	assert.EqualValues(t, 1, runs.Load())

	assert.Equal(t, 0, tickAndWait(t, a))
	assert.Equal(t, 0, tickAndWait(t, b))
	assert.EqualValues(t, 1, runs.Load())

	j := getJob(t, st, "daily_update")
	assert.True(t, j.NextRunAt.Equal(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)), "next = %v", j.NextRunAt)
}

func TestExpiredLease_RunsOnce(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	var runs atomic.Int32
	s.Handle(model.JobHealthCheck, counting(&runs, nil))
	ctx := context.Background()

	j, err := s.Register(ctx, JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)

	// A process claimed the job and died.
	j.NextRunAt = clk.Now().Add(-time.Minute)
	j.LeaseUntil = clk.Now().Add(10 * time.Minute)
	_, err = st.UpsertJob(ctx, j)
	require.NoError(t, err)

	assert.Equal(t, 0, tickAndWait(t, s))
	clk.Advance(11 * time.Minute)
	assert.Equal(t, 1, tickAndWait(t, s))
	assert.Equal(t, 0, tickAndWait(t, s))
	assert.EqualValues(t, 1, runs.Load())
}

func TestFailure_RetriesOnceThenKeepsCadence(t *testing.T) {
	t.Parallel()
	var hookCalls atomic.Int32
	hook := func(_ context.Context, j model.ScheduledJob, err error) {
		hookCalls.Add(1)
	}
	s, st, clk := newTestService(t, Config{}, WithFailureHook(hook))
	var runs atomic.Int32
	s.Handle(model.JobHealthCheck, counting(&runs, errors.New("boom")))

	_, err := s.Register(context.Background(), JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)

	clk.Advance(time.Hour + maxStartupSpread)
	require.Equal(t, 1, tickAndWait(t, s))
	j := getJob(t, st, "health_check")
	assert.Equal(t, model.JobFailed, j.LastStatus)
	assert.Equal(t, "boom", j.LastError)
	assert.True(t, j.RetryPending)
	assert.True(t, j.NextRunAt.Equal(clk.Now().Add(5*time.Minute)))

	clk.Advance(time.Minute)
	assert.Equal(t, 0, tickAndWait(t, s))

	clk.Advance(4 * time.Minute)
	require.Equal(t, 1, tickAndWait(t, s))
	j = getJob(t, st, "health_check")
	assert.Equal(t, model.JobFailed, j.LastStatus)
	assert.False(t, j.RetryPending, "only one retry per failure")
	assert.True(t, j.NextRunAt.Equal(clk.Now().Add(time.Hour)))

	// A permanently failing job keeps firing on schedule.
	clk.Advance(time.Hour)
	require.Equal(t, 1, tickAndWait(t, s))
	assert.True(t, getJob(t, st, "health_check").RetryPending)

	assert.EqualValues(t, 3, runs.Load())
	assert.EqualValues(t, 3, hookCalls.Load())
}

func TestFailure_NoRetryAndRetryAfter(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	ctx := context.Background()
	s.Handle(model.JobHealthCheck, func(context.Context, model.ScheduledJob) error {
		return NoRetry(errors.New("bad config"))
	})
	s.Handle(model.JobSelfAssessment, func(context.Context, model.ScheduledJob) error {
		return RetryAfter(errors.New("rate limited"), 2*time.Minute)
	})
	_, err := s.Register(ctx, JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)
	_, err = s.Register(ctx, JobSpec{ID: "self_assessment", Kind: model.JobSelfAssessment, Schedule: "1h", Enabled: true})
	require.NoError(t, err)

	_, err = s.RunNow(ctx, "health_check")
	require.Error(t, err)
	assert.True(t, IsNoRetry(err))
	j := getJob(t, st, "health_check")
	assert.False(t, j.RetryPending)
	assert.True(t, j.NextRunAt.Equal(clk.Now().Add(time.Hour)))

	_, err = s.RunNow(ctx, "self_assessment")
	require.Error(t, err)
	j = getJob(t, st, "self_assessment")
	assert.True(t, j.RetryPending)
	assert.True(t, j.NextRunAt.Equal(clk.Now().Add(2*time.Minute)))
}

func TestTimeout_FailsWithJobTimeout(t *testing.T) {
	t.Parallel()
	var hookErr error
	var mu sync.Mutex
	hook := func(_ context.Context, _ model.ScheduledJob, err error) {
		mu.Lock()
		hookErr = err
		mu.Unlock()
	}
	s, st, _ := newTestService(t, Config{JobTimeout: 50 * time.Millisecond}, WithFailureHook(hook))
	s.Handle(model.JobLearningAnalysis, func(ctx context.Context, _ model.ScheduledJob) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := s.Register(context.Background(), JobSpec{ID: "learning_analysis", Kind: model.JobLearningAnalysis, Schedule: "6h", Enabled: true})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "learning_analysis")
	require.ErrorIs(t, err, model.ErrJobTimeout)

	j := getJob(t, st, "learning_analysis")
	assert.Equal(t, model.JobFailed, j.LastStatus)
	assert.Contains(t, j.LastError, "job timeout")
	mu.Lock()
	assert.ErrorIs(t, hookErr, model.ErrJobTimeout)
	mu.Unlock()
}

func TestMissingHandler_Skipped(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, st, clk := newTestService(t, Config{}, WithBus(bus))
	events, unsub := bus.Subscribe(4, eventbus.JobSkipped)
	defer unsub()

	_, err := s.Register(context.Background(), JobSpec{ID: "self_assessment", Kind: model.JobSelfAssessment, Schedule: "0 2 * * 0", Enabled: true})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "self_assessment")
	require.NoError(t, err)
	j := getJob(t, st, "self_assessment")
	assert.Equal(t, model.JobSkipped, j.LastStatus)
	assert.False(t, j.RetryPending)
	assert.True(t, j.NextRunAt.After(clk.Now()))

	select {
	case ev := <-events:
		assert.Equal(t, "self_assessment", ev.Data.(JobEvent).JobID)
	case <-time.After(time.Second):
		t.Fatal("no job.skipped event")
	}
}

func TestPanic_RecoveredAsFailure(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t, Config{})
	s.Handle(model.JobMemoryCleanup, func(context.Context, model.ScheduledJob) error {
		panic("nil map")
	})
	_, err := s.Register(context.Background(), JobSpec{ID: "memory_cleanup", Kind: model.JobMemoryCleanup, Schedule: "24h", Enabled: true})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "memory_cleanup")
	require.ErrorContains(t, err, "panic in job memory_cleanup")
	assert.Equal(t, model.JobFailed, getJob(t, st, "memory_cleanup").LastStatus)
}

func TestRunNow_SerializedPerJob(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	s.Handle(model.JobHealthCheck, func(context.Context, model.ScheduledJob) error {
		close(started)
		<-release
		return nil
	})
	_, err := s.Register(context.Background(), JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, s.Tick(context.Background()))
	<-started

	_, err = s.RunNow(context.Background(), "health_check")
	require.ErrorIs(t, err, ErrRunning)

	infos, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Running)
	assert.False(t, infos[0].LeaseUntil.IsZero())

	close(release)
	require.NoError(t, s.Wait(context.Background()))

	_, err = s.RunNow(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNow_RespectsLeaseFromOtherProcess(t *testing.T) {
	t.Parallel()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "steward.db")
	spec := JobSpec{ID: "daily_update", Kind: model.JobDailyUpdate, Schedule: "1h", Enabled: true}

	daemon := newOn(t, openStore(t, path, clk), clk, Config{})
	cli := newOn(t, openStore(t, path, clk), clk, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	daemon.Handle(model.JobDailyUpdate, func(context.Context, model.ScheduledJob) error {
		close(started)
		<-release
		return nil
	})
	var cliRuns atomic.Int32
	cli.Handle(model.JobDailyUpdate, counting(&cliRuns, nil))

	_, err := daemon.Register(context.Background(), spec)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, daemon.Tick(context.Background()))
	<-started

	_, err = cli.RunNow(context.Background(), "daily_update")
	require.ErrorIs(t, err, ErrRunning)
	assert.EqualValues(t, 0, cliRuns.Load())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, daemon.Wait(ctx))

	j, err := cli.RunNow(context.Background(), "daily_update")
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccess, j.LastStatus)
	assert.True(t, j.LeaseUntil.IsZero())
	assert.EqualValues(t, 1, cliRuns.Load())
}

func TestCancel_AbandonsLeaseAndKeepsSlot(t *testing.T) {
	t.Parallel()
	var hookCalls atomic.Int32
	s, st, clk := newTestService(t, Config{}, WithFailureHook(func(context.Context, model.ScheduledJob, error) {
		hookCalls.Add(1)
	}))
	var calls atomic.Int32
	started := make(chan struct{})
	s.Handle(model.JobDailyUpdate, func(ctx context.Context, _ model.ScheduledJob) error {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	_, err := s.Register(context.Background(), JobSpec{ID: "daily_update", Kind: model.JobDailyUpdate, Schedule: "0 9 * * *", Enabled: true})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	slot := getJob(t, st, "daily_update").NextRunAt

	ctx, cancel := context.WithCancel(context.Background())
	require.Equal(t, 1, s.Tick(ctx))
	<-started
	cancel()
	require.NoError(t, s.Wait(context.Background()))

	j := getJob(t, st, "daily_update")
	assert.True(t, j.LeaseUntil.IsZero())
	assert.True(t, j.NextRunAt.Equal(slot))
	assert.Empty(t, j.LastStatus)
	assert.Zero(t, hookCalls.Load())

	// Still due.
	assert.Equal(t, 1, tickAndWait(t, s))
	assert.Equal(t, model.JobSuccess, getJob(t, st, "daily_update").LastStatus)
}

func TestAddOnce_RunsOnce(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	var runs atomic.Int32
	s.Handle(model.JobDailyUpdate, counting(&runs, nil))

	_, err := s.AddOnce(context.Background(), "catch_up", model.JobDailyUpdate, clk.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, tickAndWait(t, s))

	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, tickAndWait(t, s))
	clk.Advance(24 * time.Hour)
	assert.Equal(t, 0, tickAndWait(t, s))
	assert.EqualValues(t, 1, runs.Load())

	j := getJob(t, st, "catch_up")
	assert.True(t, j.OneShot)
	assert.True(t, j.NextRunAt.IsZero())
	assert.Equal(t, model.JobSuccess, j.LastStatus)

	_, err = s.AddOnce(context.Background(), "bad", model.JobKind("NOPE"), clk.Now())
	require.Error(t, err)
}

func TestRegister_ScheduleChangesAndPause(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{})
	ctx := context.Background()
	spec := JobSpec{ID: "daily_update", Kind: model.JobDailyUpdate, Schedule: "0 9 * * *", Enabled: true}

	j, err := s.Register(ctx, spec)
	require.NoError(t, err)
	nine := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, j.NextRunAt.Equal(nine))

	clk.Advance(2 * time.Hour)
	j, err = s.Register(ctx, spec)
	require.NoError(t, err)
	assert.True(t, j.NextRunAt.Equal(nine), "overdue slot must be kept")
	assert.True(t, j.Due(clk.Now()))

	spec.Schedule = "0 10 * * *"
	j, err = s.Register(ctx, spec)
	require.NoError(t, err)
	assert.True(t, j.NextRunAt.Equal(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)))

	spec.Enabled = false
	j, err = s.Register(ctx, spec)
	require.NoError(t, err)
	assert.True(t, j.Paused)
	assert.False(t, j.Due(clk.Now().Add(48*time.Hour)))

	_, err = s.Register(ctx, JobSpec{ID: "x", Kind: model.JobDailyUpdate, Schedule: "whenever", Enabled: true})
	require.Error(t, err)
	_, err = s.Register(ctx, JobSpec{ID: "", Kind: model.JobDailyUpdate, Schedule: "1h"})
	require.Error(t, err)
}

func TestStop_RefusesNewRuns(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	var runs atomic.Int32
	s.Handle(model.JobHealthCheck, counting(&runs, nil))
	_, err := s.Register(context.Background(), JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, s.Tick(context.Background()))
	_, err = s.RunNow(context.Background(), "health_check")
	require.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, runs.Load())

	j := getJob(t, st, "health_check")
	assert.True(t, j.LeaseUntil.IsZero())
	assert.True(t, j.Due(clk.Now()))
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{Tick: 10 * time.Millisecond})
	ran := make(chan struct{}, 1)
	s.Handle(model.JobHealthCheck, func(context.Context, model.ScheduledJob) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	_, err := s.Register(context.Background(), JobSpec{ID: "health_check", Kind: model.JobHealthCheck, Schedule: "1h", Enabled: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clk.Advance(2 * time.Hour)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, s.Stop(context.Background()))
}
