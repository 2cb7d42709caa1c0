// Package router dispatches requests to interchangeable backends.
//
// Selection skips OPEN circuits and ranks the rest by base score, recent
// failures and learning hints. A failed attempt fails over to the next-best
// backend up to Config.MaxAttempts. Every completed attempt is recorded as an
// interaction, and circuit state is persisted after each one.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"steward/internal/eventbus"
	"steward/internal/model"
	logx "steward/pkg/logx"
)

// Request is a generic unit of work for a backend.
type Request struct {
	Prompt string
	Tags   []string
	Meta   map[string]string
}

// Response must state its outcome explicitly. Score is the success score in
// [0, 1]; a successful response with no score counts as 1.
type Response struct {
	BackendID string
	Content   string
	Success   bool
	Score     float64
	Meta      map[string]string
}

type HealthStatus struct {
	OK      bool
	Latency time.Duration
	Detail  string
}

// Backend is one interchangeable external service.
type Backend interface {
	ID() string
	Execute(ctx context.Context, req Request) (Response, error)
	Health(ctx context.Context) (HealthStatus, error)
}

// Recorder persists attempt outcomes. storage.Store satisfies it.
type Recorder interface {
	AppendInteraction(ctx context.Context, r model.InteractionRecord) (model.InteractionRecord, error)
	UpsertHealth(ctx context.Context, h model.BackendHealth) error
}

var (
	ErrNoBackends    = errors.New("no backends registered")
	ErrUnsuccessful  = errors.New("backend reported failure")
	ErrDuplicateID   = errors.New("duplicate backend id")
	errCallerAborted = errors.New("caller cancelled")
)

type Config struct {
	CallTimeout  time.Duration
	MaxAttempts  int
	TripFailures int
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// HintWeight scales learning hints before they are added to the score.
	HintWeight float64
	// FailurePenalty is subtracted per consecutive failure.
	FailurePenalty float64
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TripFailures <= 0 {
		c.TripFailures = 3
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 60 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 30 * time.Minute
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = c.CooldownBase
	}
	if c.HintWeight == 0 {
		c.HintWeight = 1
	}
	if c.FailurePenalty < 0 {
		c.FailurePenalty = 0
	}
	return c
}

// BackendOptions tune one registered backend.
type BackendOptions struct {
	BaseScore float64
	// RatePerSec <= 0 means unlimited.
	RatePerSec float64
	Burst      int
}

type entry struct {
	b       Backend
	opts    BackendOptions
	limiter *rate.Limiter
	// sem serialises calls to one backend.
	sem chan struct{}
	c   circuit
}

type Router struct {
	log  logx.Logger
	rec  Recorder
	bus  eventbus.Bus
	node *snowflake.Node
	now  func() time.Time

	mu       sync.Mutex
	cfg      Config
	backends map[string]*entry
	hints    model.RoutingHints
}

type Option func(*Router)

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(r *Router) { r.bus = b } }

func New(cfg Config, rec Recorder, log logx.Logger, opts ...Option) (*Router, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("interaction id generator: %w", err)
	}
	r := &Router{
		log:      log.With(logx.String("comp", "router")),
		rec:      rec,
		node:     node,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		backends: map[string]*entry{},
		hints:    model.RoutingHints{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// SetConfig applies new tuning. Existing circuit state is kept.
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Router) Register(b Backend, opts BackendOptions) error {
	id := strings.TrimSpace(b.ID())
	if id == "" {
		return errors.New("backend id is required")
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.backends[id] = &entry{b: b, opts: opts, limiter: lim, sem: make(chan struct{}, 1), c: newCircuit()}
	return nil
}

// Restore loads persisted circuit state for registered backends.
func (r *Router) Restore(hs []model.BackendHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if e, ok := r.backends[h.BackendID]; ok {
			e.c = circuitFromHealth(h)
		}
	}
}

func (r *Router) SetHints(h model.RoutingHints) {
	cp := make(model.RoutingHints, len(h))
	for k, v := range h {
		cp[k] = v
	}
	r.mu.Lock()
	r.hints = cp
	r.mu.Unlock()
}

func (r *Router) Hints() model.RoutingHints {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(model.RoutingHints, len(r.hints))
	for k, v := range r.hints {
		cp[k] = v
	}
	return cp
}

// ListenHints applies hints published on the bus until ctx is done.
func (r *Router) ListenHints(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := r.bus.Subscribe(4, eventbus.HintsUpdated)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if h, ok := e.Data.(model.RoutingHints); ok {
				r.SetHints(h)
				r.log.Debug("routing hints applied", logx.Int("backends", len(h)))
			}
		}
	}
}

// Route sends req to the best eligible backend, failing over on error.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	n, maxAttempts := len(r.backends), r.cfg.MaxAttempts
	r.mu.Unlock()
	if n == 0 {
		return Response{}, ErrNoBackends
	}

	tried := map[string]bool{}
	var errs []error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		e, ok := r.pick(tried)
		if !ok {
			break
		}
		id := e.b.ID()
		tried[id] = true

		resp, err := r.attempt(ctx, e, req)
		if errors.Is(err, errCallerAborted) {
			return Response{}, ctx.Err()
		}
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
		r.log.Warn("backend attempt failed", logx.String("backend", id), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	if len(errs) == 0 {
		return Response{}, fmt.Errorf("%w: no eligible backend", model.ErrAllBackendsExhausted)
	}
	return Response{}, fmt.Errorf("%w after %d attempts: %w", model.ErrAllBackendsExhausted, len(errs), errors.Join(errs...))
}

// pick selects the best eligible backend not yet tried and reserves a
// HALF_OPEN probe if that is what it picked.
func (r *Router) pick(tried map[string]bool) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var cands []*entry
	for id, e := range r.backends {
		if tried[id] || !e.c.eligible(now) {
			continue
		}
		cands = append(cands, e)
	}
	if len(cands) == 0 {
		return nil, false
	}
	sort.Slice(cands, func(i, j int) bool {
		si, sj := r.scoreLocked(cands[i]), r.scoreLocked(cands[j])
		if d := si - sj; d > scoreEpsilon || d < -scoreEpsilon {
			return si > sj
		}
		if cands[i].c.lastLatency != cands[j].c.lastLatency {
			return cands[i].c.lastLatency < cands[j].c.lastLatency
		}
		return cands[i].b.ID() < cands[j].b.ID()
	})
	best := cands[0]
	best.c.reserve()
	return best, true
}

const scoreEpsilon = 1e-9

func (r *Router) scoreLocked(e *entry) float64 {
	return e.opts.BaseScore -
		r.cfg.FailurePenalty*float64(e.c.fails) +
		r.cfg.HintWeight*r.hints[e.b.ID()]
}

func (r *Router) attempt(ctx context.Context, e *entry, req Request) (Response, error) {
	id := e.b.ID()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.abort(e)
		return Response{}, errCallerAborted
	}
	defer func() { <-e.sem }()

	if err := e.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			r.abort(e)
			return Response{}, errCallerAborted
		}
		// The limiter can only refuse when the wait cannot fit the deadline.
		r.abort(e)
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}

	r.mu.Lock()
	timeout := r.cfg.CallTimeout
	r.mu.Unlock()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := r.now()
	resp, err := e.b.Execute(callCtx, req)
	latency := r.now().Sub(start)
	cancel()

	if ctx.Err() != nil {
		r.abort(e)
		return Response{}, errCallerAborted
	}

	success := err == nil && resp.Success
	score := 0.0
	if err == nil {
		score = min(max(resp.Score, 0), 1)
		if success && resp.Score <= 0 {
			score = 1
		}
	}
	if err == nil && !resp.Success {
		err = ErrUnsuccessful
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("call timed out after %s: %w", timeout, err)
	}

	now := r.now()
	r.mu.Lock()
	before := e.c.state
	if success {
		e.c.onSuccess(now, latency)
	} else {
		e.c.onFailure(now, latency, circuitCfg{trip: r.cfg.TripFailures, cooldownBase: r.cfg.CooldownBase, cooldownMax: r.cfg.CooldownMax})
	}
	h := e.c.health(id)
	r.mu.Unlock()

	r.record(ctx, req, id, score, latency, h, before)

	if !success {
		return Response{}, err
	}
	resp.BackendID = id
	resp.Score = score
	return resp, nil
}

func (r *Router) abort(e *entry) {
	r.mu.Lock()
	e.c.release()
	r.mu.Unlock()
}

// record persists the attempt. Persistence errors are logged, not returned:
// the request outcome stands either way.
func (r *Router) record(ctx context.Context, req Request, id string, score float64, latency time.Duration, h model.BackendHealth, before model.CircuitState) {
	wctx := context.WithoutCancel(ctx)
	if r.rec != nil {
		rec, err := r.rec.AppendInteraction(wctx, model.InteractionRecord{
			ID:           r.node.Generate().String(),
			PromptDigest: model.PromptDigest(req.Prompt),
			BackendID:    id,
			SuccessScore: score,
			Latency:      latency,
			Tags:         req.Tags,
		})
		if err != nil {
			r.log.Error("record interaction failed", logx.String("backend", id), logx.Err(err))
		} else {
			eventbus.Publish(r.bus, eventbus.InteractionRecorded, rec)
		}
		if err := r.rec.UpsertHealth(wctx, h); err != nil {
			r.log.Error("persist backend health failed", logx.String("backend", id), logx.Err(err))
		}
	}
	if h.CircuitState != before {
		r.log.Info("circuit changed",
			logx.String("backend", id),
			logx.String("from", string(before)),
			logx.String("to", string(h.CircuitState)),
			logx.Duration("cooldown", h.Cooldown))
		eventbus.Publish(r.bus, eventbus.BackendCircuit, h)
	}
}

// Snapshot returns the current health of every backend, sorted by id.
func (r *Router) Snapshot() []model.BackendHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.BackendHealth, 0, len(r.backends))
	for id, e := range r.backends {
		out = append(out, e.c.health(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

func (r *Router) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProbeResult is the outcome of one Health call.
type ProbeResult struct {
	BackendID string             `json:"backend_id"`
	OK        bool               `json:"ok"`
	Latency   time.Duration      `json:"latency"`
	Detail    string             `json:"detail,omitempty"`
	Error     string             `json:"error,omitempty"`
	Circuit   model.CircuitState `json:"circuit"`
}

// ProbeAll calls Health on every backend concurrently. Probes are
// observational: they never change circuit state.
func (r *Router) ProbeAll(ctx context.Context) []ProbeResult {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.backends))
	for _, e := range r.backends {
		entries = append(entries, e)
	}
	timeout := r.cfg.CallTimeout
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].b.ID() < entries[j].b.ID() })

	out := make([]ProbeResult, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st, err := e.b.Health(pctx)
			res := ProbeResult{BackendID: e.b.ID(), OK: err == nil && st.OK, Latency: st.Latency, Detail: st.Detail}
			if err != nil {
				res.Error = err.Error()
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for i, e := range entries {
		out[i].Circuit = e.c.state
	}
	r.mu.Unlock()
	return out
}
