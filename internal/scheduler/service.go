package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"steward/internal/eventbus"
	"steward/internal/model"
	logx "steward/pkg/logx"
)

// Handler is the body of one job kind. It should check ctx between steps;
// whatever it already persisted stays persisted if it is cancelled.
type Handler func(ctx context.Context, job model.ScheduledJob) error

// FailureHook is called after a FAILED outcome has been persisted.
type FailureHook func(ctx context.Context, job model.ScheduledJob, err error)

// Store is the part of storage.Store the scheduler uses.
type Store interface {
	UpsertJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error)
	GetJob(ctx context.Context, id string) (model.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)
}

type Config struct {
	Tick       time.Duration
	JobTimeout time.Duration
	RetryDelay time.Duration
	// LeaseGrace extends a claim past JobTimeout so the final write of a
	// slow job still lands inside its own lease.
	LeaseGrace time.Duration
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 60 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// JobSpec is a recurring job as configured.
type JobSpec struct {
	ID       string
	Kind     model.JobKind
	Schedule string
	Enabled  bool
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	JobID    string          `json:"job_id"`
	Kind     model.JobKind   `json:"kind"`
	Status   model.JobStatus `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
}

// JobInfo is a job row plus whether this process is running it.
type JobInfo struct {
	model.ScheduledJob
	Running bool `json:"running"`
}

var errNoHandler = errors.New("no handler for job kind")

type Service struct {
	st        Store
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	onFailure FailureHook

	mu       sync.Mutex
	cfg      Config
	handlers map[model.JobKind]Handler
	running  map[string]struct{}
	inflight int
	idle     chan struct{}
	stopped  bool

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithFailureHook(h FailureHook) Option { return func(s *Service) { s.onFailure = h } }

func New(cfg Config, st Store, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		st:       st,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		handlers: map[model.JobKind]Handler{},
		running:  map[string]struct{}{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetConfig applies new timing settings. Jobs already running keep theirs.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handle sets the body for a job kind.
func (s *Service) Handle(kind model.JobKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) handler(kind model.JobKind) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[kind]
}

// Register creates or updates a recurring job.
//
// A job that already exists keeps its persisted next_run_at unless its
// schedule changed, so a restart neither re-fires nor skips a slot.
func (s *Service) Register(ctx context.Context, spec JobSpec) (model.ScheduledJob, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return model.ScheduledJob{}, errors.New("job id is required")
	}
	if _, err := model.ParseJobKind(string(spec.Kind)); err != nil {
		return model.ScheduledJob{}, err
	}
	p, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("job %s: %w", spec.ID, err)
	}
	loc := s.config().Location

	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		cur, err := s.st.GetJob(ctx, spec.ID)
		if errors.Is(err, model.ErrNotFound) {
			j := model.ScheduledJob{
				ID:        spec.ID,
				Kind:      spec.Kind,
				Schedule:  spec.Schedule,
				Paused:    !spec.Enabled,
				NextRunAt: firstRun(p, now, loc, spec.ID),
			}
			j, err = s.st.UpsertJob(ctx, j)
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			if err == nil {
				s.log.Info("job registered",
					logx.String("job", j.ID),
					logx.String("kind", string(j.Kind)),
					logx.String("schedule", j.Schedule),
					logx.Time("next", j.NextRunAt))
			}
			return j, err
		}
		if err != nil {
			return model.ScheduledJob{}, err
		}

		changed := false
		if cur.Kind != spec.Kind {
			cur.Kind, changed = spec.Kind, true
		}
		if cur.Schedule != spec.Schedule || cur.OneShot {
			cur.Schedule, cur.OneShot, cur.RetryPending = spec.Schedule, false, false
			cur.NextRunAt = firstRun(p, now, loc, spec.ID)
			changed = true
		}
		if cur.Paused == spec.Enabled {
			cur.Paused, changed = !spec.Enabled, true
		}
		if !cur.Paused && cur.NextRunAt.IsZero() {
			cur.NextRunAt, changed = firstRun(p, now, loc, spec.ID), true
		}
		if !changed {
			return cur, nil
		}
		saved, err := s.st.UpsertJob(ctx, cur)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err == nil {
			s.log.Info("job updated",
				logx.String("job", saved.ID),
				logx.String("schedule", saved.Schedule),
				logx.Bool("paused", saved.Paused),
				logx.Time("next", saved.NextRunAt))
		}
		return saved, err
	}
	return model.ScheduledJob{}, fmt.Errorf("register job %s: %w", spec.ID, model.ErrConflict)
}

// AddOnce schedules a one-shot job at the given time. After a successful run
// it stays in the store with no next run.
func (s *Service) AddOnce(ctx context.Context, id string, kind model.JobKind, at time.Time) (model.ScheduledJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.ScheduledJob{}, errors.New("job id is required")
	}
	if _, err := model.ParseJobKind(string(kind)); err != nil {
		return model.ScheduledJob{}, err
	}
	if at.IsZero() {
		return model.ScheduledJob{}, errors.New("run time is required")
	}
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.st.GetJob(ctx, id)
		switch {
		case errors.Is(err, model.ErrNotFound):
			cur = model.ScheduledJob{ID: id}
		case err != nil:
			return model.ScheduledJob{}, err
		}
		cur.Kind, cur.Schedule, cur.OneShot = kind, "", true
		cur.Paused, cur.RetryPending = false, false
		cur.NextRunAt = at
		saved, err := s.st.UpsertJob(ctx, cur)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err == nil {
			s.log.Info("one-shot job scheduled", logx.String("job", id), logx.String("kind", string(kind)), logx.Time("at", at))
		}
		return saved, err
	}
	return model.ScheduledJob{}, fmt.Errorf("add job %s: %w", id, model.ErrConflict)
}

// Run ticks until ctx is done. It does not wait for running jobs; call Stop.
func (s *Service) Run(ctx context.Context) error {
	tick := s.config().Tick
	s.log.Info("scheduler started", logx.Duration("tick", tick))
	s.Tick(ctx)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
			if d := s.config().Tick; d != tick {
				tick = d
				t.Reset(tick)
			}
		}
	}
}

// Tick starts every due job that is not already running and returns how many
// it started. Jobs run in their own goroutines with ctx as parent.
func (s *Service) Tick(ctx context.Context) int {
	jobs, err := s.st.ListJobs(ctx)
	if err != nil {
		s.warnThrottled("*", "list jobs failed", err)
		return 0
	}
	now := s.now()
	started := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !j.Due(now) || !s.tryAcquire(j.ID) {
			continue
		}
		claimed, err := s.claim(ctx, j, now)
		if err != nil {
			s.release(j.ID)
			s.warnThrottled(j.ID, "claim job failed", err)
			continue
		}
		if !s.begin() {
			s.release(j.ID)
			s.abandon(ctx, claimed)
			break
		}
		started++
		go func() { _ = s.execute(ctx, claimed) }()
	}
	return started
}

// RunNow runs a job immediately, whether or not it is due, and returns the
// job body's error. It fails with ErrRunning if the job is already running,
// here or in another process holding a live lease on the same store.
func (s *Service) RunNow(ctx context.Context, id string) (model.ScheduledJob, error) {
	if !s.tryAcquire(id) {
		return model.ScheduledJob{}, fmt.Errorf("%s: %w", id, ErrRunning)
	}
	j, err := s.st.GetJob(ctx, id)
	if err != nil {
		s.release(id)
		if errors.Is(err, model.ErrNotFound) {
			return model.ScheduledJob{}, fmt.Errorf("%s: %w", id, ErrUnknownJob)
		}
		return model.ScheduledJob{}, err
	}
	now := s.now()
	if !j.LeaseUntil.IsZero() && now.Before(j.LeaseUntil) {
		s.release(id)
		return model.ScheduledJob{}, fmt.Errorf("%s: %w", id, ErrRunning)
	}
	claimed, err := s.claim(ctx, j, now)
	if err != nil {
		s.release(id)
		if errors.Is(err, model.ErrConflict) {
			return model.ScheduledJob{}, fmt.Errorf("%s: %w", id, ErrRunning)
		}
		return model.ScheduledJob{}, err
	}
	if !s.begin() {
		s.release(id)
		s.abandon(ctx, claimed)
		return model.ScheduledJob{}, ErrStopped
	}
	runErr := s.execute(ctx, claimed)
	after, err := s.st.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return claimed, errors.Join(runErr, err)
	}
	return after, runErr
}

// Wait blocks until no job is running or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new runs and waits for running ones.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.Wait(ctx)
}

// Snapshot lists every job, sorted by id.
func (s *Service) Snapshot(ctx context.Context) ([]JobInfo, error) {
	jobs, err := s.st.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		_, running := s.running[j.ID]
		out = append(out, JobInfo{ScheduledJob: j, Running: running})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- run bookkeeping ----

func (s *Service) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

// claim takes the job's lease with compare-and-swap on its version.
func (s *Service) claim(ctx context.Context, j model.ScheduledJob, now time.Time) (model.ScheduledJob, error) {
	cfg := s.config()
	j.LeaseUntil = now.Add(cfg.JobTimeout + cfg.LeaseGrace)
	return s.st.UpsertJob(ctx, j)
}

// ---- execution ----

func (s *Service) execute(ctx context.Context, j model.ScheduledJob) error {
	defer s.end()
	defer s.release(j.ID)

	cfg := s.config()
	start := s.now()
	log := s.log.With(logx.String("job", j.ID), logx.String("kind", string(j.Kind)))
	log.Info("job started", logx.Bool("retry", j.RetryPending))
	eventbus.Publish(s.bus, eventbus.JobStarted, JobEvent{JobID: j.ID, Kind: j.Kind, Started: start})

	h := s.handler(j.Kind)
	if h == nil {
		s.finish(ctx, j, start, errNoHandler, log)
		return nil
	}

	jctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- call(jctx, h, j) }()

	var err error
	handlerDone := true
	select {
	case err = <-result:
		if err != nil && ctx.Err() == nil && errors.Is(jctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", model.ErrJobTimeout, cfg.JobTimeout, err)
		}
	case <-jctx.Done():
		handlerDone = false
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", model.ErrJobTimeout, cfg.JobTimeout)
		}
	}

	if err != nil && ctx.Err() != nil {
		log.Warn("job cancelled", logx.Err(err))
		s.abandon(ctx, j)
	} else {
		s.finish(ctx, j, start, err, log)
	}

	if !handlerDone {
		// Keep the job slot until a body that ignored its deadline returns.
		<-result
	}
	return err
}

func call(ctx context.Context, h Handler, j model.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", j.ID, r)
		}
	}()
	return h(ctx, j)
}

// finish persists the outcome of a run, then reports it.
func (s *Service) finish(ctx context.Context, j model.ScheduledJob, start time.Time, runErr error, log logx.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	cfg := s.config()
	now := s.now()
	apply := func(cur model.ScheduledJob) model.ScheduledJob {
		normal := time.Time{}
		if !cur.OneShot {
			if p, err := ParseSchedule(cur.Schedule); err == nil {
				normal = p.Next(now, cfg.Location)
			}
		}
		cur.LastRunAt = now
		cur.LeaseUntil = time.Time{}
		switch {
		case errors.Is(runErr, errNoHandler):
			cur.LastStatus, cur.LastError = model.JobSkipped, runErr.Error()
			cur.NextRunAt, cur.RetryPending = normal, false
		case runErr == nil:
			cur.LastStatus, cur.LastError = model.JobSuccess, ""
			cur.NextRunAt, cur.RetryPending = normal, false
		default:
			cur.LastStatus, cur.LastError = model.JobFailed, runErr.Error()
			next, retry := normal, false
			if !j.RetryPending && !IsNoRetry(runErr) {
				delay := cfg.RetryDelay
				if d, ok := retryDelayHint(runErr); ok {
					delay = d
				}
				if at := now.Add(delay); next.IsZero() || at.Before(next) {
					next, retry = at, true
				}
			}
			cur.NextRunAt, cur.RetryPending = next, retry
		}
		return cur
	}

	saved, err := s.st.UpsertJob(wctx, apply(j))
	if errors.Is(err, model.ErrConflict) {
		// The row changed under us (e.g. re-registered); apply onto the latest.
		var cur model.ScheduledJob
		if cur, err = s.st.GetJob(wctx, j.ID); err == nil {
			saved, err = s.st.UpsertJob(wctx, apply(cur))
		}
	}
	if err != nil {
		// The lease will expire and the job will run again.
		log.Error("persist job outcome failed", logx.Err(err))
		saved = apply(j)
	}

	ev := JobEvent{JobID: j.ID, Kind: j.Kind, Status: saved.LastStatus, Started: start, Duration: now.Sub(start)}
	switch saved.LastStatus {
	case model.JobSuccess:
		log.Info("job finished", logx.Duration("took", ev.Duration), logx.Time("next", saved.NextRunAt))
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	case model.JobSkipped:
		log.Warn("job skipped", logx.Err(runErr))
		ev.Error = runErr.Error()
		eventbus.Publish(s.bus, eventbus.JobSkipped, ev)
	default:
		log.Error("job failed",
			logx.Err(runErr),
			logx.Duration("took", ev.Duration),
			logx.Bool("retry_scheduled", saved.RetryPending),
			logx.Time("next", saved.NextRunAt))
		ev.Error = runErr.Error()
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
		if s.onFailure != nil {
			s.onFailure(wctx, saved, runErr)
		}
	}
}

// abandon drops the lease of a cancelled run so the slot stays due.
func (s *Service) abandon(ctx context.Context, j model.ScheduledJob) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	lease := j.LeaseUntil
	j.LeaseUntil = time.Time{}
	_, err := s.st.UpsertJob(wctx, j)
	if errors.Is(err, model.ErrConflict) {
		cur, gerr := s.st.GetJob(wctx, j.ID)
		if gerr != nil || !cur.LeaseUntil.Equal(lease) {
			return
		}
		cur.LeaseUntil = time.Time{}
		_, err = s.st.UpsertJob(wctx, cur)
	}
	if err != nil {
		s.log.Warn("release job lease failed", logx.String("job", j.ID), logx.Err(err))
	}
}
