package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "steward/pkg/logx"
)

// Supervisor runs the daemon's long-lived loops (scheduler ticks, hint
// listener, config watcher) under one cancellable context.
//
// A loop that returns an error or panics is restarted with exponential
// backoff; a loop that returns nil or context.Canceled is done. Stop cancels
// the context and waits for every loop to return.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	wg sync.WaitGroup

	mu       sync.Mutex
	loops    map[string]*loopState
	firstErr error
}

// LoopStatus is a point-in-time view of one supervised loop.
type LoopStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

type loopState struct {
	LoopStatus
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithBackoff sets the restart backoff window.
func WithBackoff(min, max time.Duration) Option {
	return func(s *Supervisor) {
		if min > 0 {
			s.minBackoff = min
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:        ctx,
		cancel:     cancel,
		log:        logx.Nop(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		loops:      map[string]*loopState{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = s.minBackoff
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error any loop reported.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go starts fn as a named loop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if _, dup := s.loops[name]; dup {
		s.mu.Unlock()
		s.log.Warn("loop already supervised", logx.String("name", name))
		return
	}
	s.loops[name] = &loopState{LoopStatus: LoopStatus{Name: name}}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(name, fn)
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) {
	backoff := s.minBackoff
	for {
		startedAt := s.noteStart(name)
		s.log.Debug("loop started", logx.String("name", name))

		err, panicked := runOnce(s.ctx, fn)
		if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			s.noteStop(name, nil, false)
			s.log.Debug("loop stopped", logx.String("name", name))
			return
		}

		err = fmt.Errorf("%s: %w", name, err)
		s.noteStop(name, err, panicked)
		if panicked {
			s.log.Error("loop panicked", logx.String("name", name), logx.Err(err))
		}

		// Rare failures after a long healthy run restart quickly.
		if time.Since(startedAt) >= 30*time.Second {
			backoff = s.minBackoff
		}
		s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

		t := time.NewTimer(backoff)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err, panicked = fmt.Errorf("panic: %v", r), true
		}
	}()
	return fn(ctx), false
}

func (s *Supervisor) noteStart(name string) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.loops[name]
	if !st.StartedAt.IsZero() {
		st.Restarts++
	}
	st.Running = true
	st.StartedAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loops[name]
	st.Running = false
	st.StoppedAt = time.Now()
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		if s.firstErr == nil {
			s.firstErr = err
		}
	}
}

// Snapshot lists loops: running ones first, then by name.
func (s *Supervisor) Snapshot() []LoopStatus {
	s.mu.Lock()
	out := make([]LoopStatus, 0, len(s.loops))
	for _, st := range s.loops {
		out = append(out, st.LoopStatus)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Running != out[j].Running {
			return out[i].Running
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Stop cancels every loop and waits for them to return or ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
