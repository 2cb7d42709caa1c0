package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"steward/internal/model"
	logx "steward/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tagSep separates tags in group_concat results. Tags never contain it.
const tagSep = "\x1f"

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	now    func() time.Time
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger, o options) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: sqlite serialises writers anyway and this avoids
	// "database is locked" between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), now: o.now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version, applied_at) VALUES(?, ?)`, version, toMS(s.now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.log.Info("applied migration", logx.Int("version", version))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ---- memory ----

func (s *sqliteStore) PutMemory(ctx context.Context, e model.MemoryEntry) (model.MemoryEntry, error) {
	if err := s.ready(); err != nil {
		return model.MemoryEntry{}, err
	}
	e.Key = strings.TrimSpace(e.Key)
	e.Category = strings.TrimSpace(e.Category)
	if e.Key == "" {
		return model.MemoryEntry{}, errors.New("memory key is required")
	}
	if e.Category == "" {
		e.Category = model.CategoryGeneral
	}
	now := toMS(s.now())
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO memory(category, key, value, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(category, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
		 RETURNING created_at, updated_at`,
		e.Category, e.Key, e.Value, now, now,
	).Scan(&created, &updated)
	if err != nil {
		return model.MemoryEntry{}, fmt.Errorf("put memory %s/%s: %w", e.Category, e.Key, err)
	}
	e.CreatedAt, e.UpdatedAt = fromMS(created), fromMS(updated)
	return e, nil
}

func (s *sqliteStore) GetMemory(ctx context.Context, category, key string) (model.MemoryEntry, error) {
	if err := s.ready(); err != nil {
		return model.MemoryEntry{}, err
	}
	if strings.TrimSpace(category) == "" {
		category = model.CategoryGeneral
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT category, key, value, created_at, updated_at FROM memory WHERE category = ? AND key = ?`,
		category, key)
	e, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryEntry{}, fmt.Errorf("memory %s/%s: %w", category, key, model.ErrNotFound)
	}
	return e, err
}

func (s *sqliteStore) QueryMemory(ctx context.Context, f MemoryFilter) iter.Seq2[model.MemoryEntry, error] {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.KeyPrefix != "" {
		where = append(where, "substr(key, 1, ?) = ?")
		args = append(args, len(f.KeyPrefix), f.KeyPrefix)
	}
	if !f.Since.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMS(f.Since))
	}
	q := `SELECT category, key, value, created_at, updated_at FROM memory` + whereClause(where)
	if f.Newest {
		q += ` ORDER BY updated_at DESC, category DESC, key DESC`
	} else {
		q += ` ORDER BY updated_at ASC, category ASC, key ASC`
	}
	q += limitClause(f.Limit)
	return querySeq(ctx, s, q, args, scanMemory)
}

func (s *sqliteStore) CountMemory(ctx context.Context, category string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	q, args := `SELECT COUNT(*) FROM memory`, []any(nil)
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) DeleteMemoryBefore(ctx context.Context, before time.Time, keepCategories []string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	q := `DELETE FROM memory WHERE updated_at < ?`
	args := []any{toMS(before)}
	if len(keepCategories) > 0 {
		q += ` AND category NOT IN (` + placeholders(len(keepCategories)) + `)`
		for _, c := range keepCategories {
			args = append(args, c)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMemory(r scanner) (model.MemoryEntry, error) {
	var (
		e                model.MemoryEntry
		created, updated int64
	)
	if err := r.Scan(&e.Category, &e.Key, &e.Value, &created, &updated); err != nil {
		return model.MemoryEntry{}, err
	}
	e.CreatedAt, e.UpdatedAt = fromMS(created), fromMS(updated)
	return e, nil
}

// ---- interactions ----

func (s *sqliteStore) AppendInteraction(ctx context.Context, r model.InteractionRecord) (model.InteractionRecord, error) {
	if err := s.ready(); err != nil {
		return model.InteractionRecord{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if strings.TrimSpace(r.BackendID) == "" {
		return model.InteractionRecord{}, errors.New("interaction backend_id is required")
	}
	if r.SuccessScore < 0 || r.SuccessScore > 1 {
		return model.InteractionRecord{}, fmt.Errorf("interaction success_score %v out of [0,1]", r.SuccessScore)
	}
	r.Tags = model.NormalizeTags(r.Tags)
	r.Timestamp = fromMS(toMS(s.now()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.InteractionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions(id, prompt_digest, backend_id, success_score, latency_ns, ts) VALUES(?,?,?,?,?,?)`,
		r.ID, r.PromptDigest, r.BackendID, r.SuccessScore, int64(r.Latency), toMS(r.Timestamp),
	); err != nil {
		if isUniqueViolation(err) {
			return model.InteractionRecord{}, fmt.Errorf("interaction %s: %w", r.ID, model.ErrConflict)
		}
		return model.InteractionRecord{}, fmt.Errorf("append interaction: %w", err)
	}
	for _, tag := range r.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO interaction_tags(interaction_id, tag) VALUES(?,?)`, r.ID, tag); err != nil {
			return model.InteractionRecord{}, fmt.Errorf("append interaction tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.InteractionRecord{}, err
	}
	return r, nil
}

func (s *sqliteStore) QueryInteractions(ctx context.Context, f InteractionFilter) iter.Seq2[model.InteractionRecord, error] {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "i.ts >= ?")
		args = append(args, toMS(f.Since))
	}
	if f.BackendID != "" {
		where = append(where, "i.backend_id = ?")
		args = append(args, f.BackendID)
	}
	if tag := strings.ToLower(strings.TrimSpace(f.Tag)); tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM interaction_tags t WHERE t.interaction_id = i.id AND t.tag = ?)")
		args = append(args, tag)
	}
	q := `SELECT i.id, i.prompt_digest, i.backend_id, i.success_score, i.latency_ns, i.ts,
		COALESCE((SELECT group_concat(t.tag, char(31)) FROM interaction_tags t WHERE t.interaction_id = i.id), '')
		FROM interactions i` + whereClause(where) + ` ORDER BY i.ts ASC, i.rowid ASC` + limitClause(f.Limit)
	return querySeq(ctx, s, q, args, scanInteraction)
}

func scanInteraction(r scanner) (model.InteractionRecord, error) {
	var (
		rec       model.InteractionRecord
		latencyNS int64
		ts        int64
		tags      string
	)
	if err := r.Scan(&rec.ID, &rec.PromptDigest, &rec.BackendID, &rec.SuccessScore, &latencyNS, &ts, &tags); err != nil {
		return model.InteractionRecord{}, err
	}
	rec.Latency = time.Duration(latencyNS)
	rec.Timestamp = fromMS(ts)
	if tags != "" {
		rec.Tags = strings.Split(tags, tagSep)
		sort.Strings(rec.Tags)
	}
	return rec, nil
}

// ---- tasks ----

const taskColumns = `id, title, priority, status, due_at, origin, source_ref, created_at, updated_at`

func (s *sqliteStore) UpsertTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := s.ready(); err != nil {
		return model.Task{}, err
	}
	t.Title = strings.TrimSpace(t.Title)
	if t.ID == "" || t.Title == "" {
		return model.Task{}, errors.New("task id and title are required")
	}
	if !t.Priority.Valid() {
		return model.Task{}, fmt.Errorf("task %s: invalid priority %d", t.ID, int(t.Priority))
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.Origin == "" {
		t.Origin = model.OriginUser
	}
	now := toMS(s.now())
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`, title_norm) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, title_norm=excluded.title_norm,
		   priority=excluded.priority, status=excluded.status, due_at=excluded.due_at,
		   source_ref=excluded.source_ref, updated_at=excluded.updated_at
		 RETURNING created_at, updated_at`,
		t.ID, t.Title, int(t.Priority), string(t.Status), toMSPtr(t.DueAt), string(t.Origin), t.SourceRef, now, now,
		NormalizeTitle(t.Title),
	).Scan(&created, &updated)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Task{}, fmt.Errorf("task %q: %w", t.Title, model.ErrConflict)
		}
		return model.Task{}, fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	t.CreatedAt, t.UpdatedAt = fromMS(created), fromMS(updated)
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	if err := s.ready(); err != nil {
		return model.Task{}, err
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) QueryTasks(ctx context.Context, f TaskFilter) iter.Seq2[model.Task, error] {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.OpenOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, string(model.TaskPending), string(model.TaskInProgress))
	}
	if f.PriorityMin > 0 {
		where = append(where, "priority >= ?")
		args = append(args, int(f.PriorityMin))
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(f.Origin))
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMS(f.UpdatedSince))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks` + whereClause(where) +
		` ORDER BY priority DESC, CASE WHEN due_at = 0 THEN 1 ELSE 0 END, due_at ASC, created_at ASC, id ASC`
	return querySeq(ctx, s, q, args, scanTask)
}

// UpdateTaskStatus moves a task from one status to another only if it is
// still in from.
func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, id string, from, to model.TaskStatus) (model.Task, error) {
	if err := s.ready(); err != nil {
		return model.Task{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMS(s.now()), id, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrConflict)
		}
		return model.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			return model.Task{}, gerr
		}
		return cur, fmt.Errorf("task %s is %s, expected %s: %w", id, cur.Status, from, model.ErrConflict)
	}
	return s.GetTask(ctx, id)
}

func scanTask(r scanner) (model.Task, error) {
	var (
		t                     model.Task
		prio                  int
		status, origin        string
		due, created, updated int64
	)
	if err := r.Scan(&t.ID, &t.Title, &prio, &status, &due, &origin, &t.SourceRef, &created, &updated); err != nil {
		return model.Task{}, err
	}
	t.Priority = model.Priority(prio)
	t.Status = model.TaskStatus(status)
	t.Origin = model.Origin(origin)
	if due != 0 {
		d := fromMS(due)
		t.DueAt = &d
	}
	t.CreatedAt, t.UpdatedAt = fromMS(created), fromMS(updated)
	return t, nil
}

// NormalizeTitle is the case-insensitive identity used to dedupe open tasks.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// ---- jobs ----

const jobColumns = `id, kind, schedule, one_shot, paused, next_run_at, last_run_at, last_status, last_error, retry_pending, lease_until, version, updated_at`

// UpsertJob writes a job with compare-and-swap on Version.
//
// Version 0 inserts a new job and fails with ErrConflict if it already
// exists. Any other version updates only if the stored version matches,
// then bumps it.
func (s *sqliteStore) UpsertJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	if err := s.ready(); err != nil {
		return model.ScheduledJob{}, err
	}
	if strings.TrimSpace(j.ID) == "" {
		return model.ScheduledJob{}, errors.New("job id is required")
	}
	now := s.now()
	j.UpdatedAt = fromMS(toMS(now))

	if j.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,1,?)`,
			j.ID, string(j.Kind), j.Schedule, j.OneShot, j.Paused, toMS(j.NextRunAt), toMS(j.LastRunAt),
			string(j.LastStatus), j.LastError, j.RetryPending, toMS(j.LeaseUntil), toMS(now))
		if err != nil {
			if isUniqueViolation(err) {
				return model.ScheduledJob{}, fmt.Errorf("job %s: %w", j.ID, model.ErrConflict)
			}
			return model.ScheduledJob{}, fmt.Errorf("insert job %s: %w", j.ID, err)
		}
		j.Version = 1
		return j, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET kind=?, schedule=?, one_shot=?, paused=?, next_run_at=?, last_run_at=?, last_status=?,
		   last_error=?, retry_pending=?, lease_until=?, version=version+1, updated_at=?
		 WHERE id = ? AND version = ?`,
		string(j.Kind), j.Schedule, j.OneShot, j.Paused, toMS(j.NextRunAt), toMS(j.LastRunAt), string(j.LastStatus),
		j.LastError, j.RetryPending, toMS(j.LeaseUntil), toMS(now), j.ID, j.Version)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetJob(ctx, j.ID); gerr != nil {
			return model.ScheduledJob{}, gerr
		}
		return model.ScheduledJob{}, fmt.Errorf("job %s version %d: %w", j.ID, j.Version, model.ErrConflict)
	}
	j.Version++
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (model.ScheduledJob, error) {
	if err := s.ready(); err != nil {
		return model.ScheduledJob{}, err
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return Collect(querySeq(ctx, s, `SELECT `+jobColumns+` FROM jobs ORDER BY id ASC`, nil, scanJob))
}

func scanJob(r scanner) (model.ScheduledJob, error) {
	var (
		j                      model.ScheduledJob
		kind, status           string
		next, last, lease, upd int64
	)
	if err := r.Scan(&j.ID, &kind, &j.Schedule, &j.OneShot, &j.Paused, &next, &last, &status, &j.LastError,
		&j.RetryPending, &lease, &j.Version, &upd); err != nil {
		return model.ScheduledJob{}, err
	}
	j.Kind = model.JobKind(kind)
	j.LastStatus = model.JobStatus(status)
	j.NextRunAt, j.LastRunAt, j.LeaseUntil, j.UpdatedAt = fromMS(next), fromMS(last), fromMS(lease), fromMS(upd)
	return j, nil
}

// ---- backend health / integrations ----

func (s *sqliteStore) UpsertHealth(ctx context.Context, h model.BackendHealth) error {
	if err := s.ready(); err != nil {
		return err
	}
	if h.BackendID == "" {
		return errors.New("backend_id is required")
	}
	if h.CircuitState == "" {
		h.CircuitState = model.CircuitClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backend_health(backend_id, consecutive_failures, last_success_at, circuit_state, opened_at, cooldown_ns, last_latency_ns, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(backend_id) DO UPDATE SET consecutive_failures=excluded.consecutive_failures,
		   last_success_at=excluded.last_success_at, circuit_state=excluded.circuit_state, opened_at=excluded.opened_at,
		   cooldown_ns=excluded.cooldown_ns, last_latency_ns=excluded.last_latency_ns, updated_at=excluded.updated_at`,
		h.BackendID, h.ConsecutiveFailures, toMS(h.LastSuccessAt), string(h.CircuitState), toMS(h.OpenedAt),
		int64(h.Cooldown), int64(h.LastLatency), toMS(s.now()))
	return err
}

func (s *sqliteStore) ListHealth(ctx context.Context) ([]model.BackendHealth, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := `SELECT backend_id, consecutive_failures, last_success_at, circuit_state, opened_at, cooldown_ns, last_latency_ns, updated_at
		FROM backend_health ORDER BY backend_id ASC`
	return Collect(querySeq(ctx, s, q, nil, func(r scanner) (model.BackendHealth, error) {
		var (
			h                            model.BackendHealth
			state                        string
			lastOK, opened, cd, lat, upd int64
		)
		if err := r.Scan(&h.BackendID, &h.ConsecutiveFailures, &lastOK, &state, &opened, &cd, &lat, &upd); err != nil {
			return model.BackendHealth{}, err
		}
		h.CircuitState = model.CircuitState(state)
		h.LastSuccessAt, h.OpenedAt, h.UpdatedAt = fromMS(lastOK), fromMS(opened), fromMS(upd)
		h.Cooldown, h.LastLatency = time.Duration(cd), time.Duration(lat)
		return h, nil
	}))
}

func (s *sqliteStore) UpsertIntegration(ctx context.Context, in Integration) error {
	if err := s.ready(); err != nil {
		return err
	}
	if in.BackendID == "" {
		return errors.New("backend_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations(backend_id, kind, endpoint, active, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(backend_id) DO UPDATE SET kind=excluded.kind, endpoint=excluded.endpoint,
		   active=excluded.active, updated_at=excluded.updated_at`,
		in.BackendID, in.Kind, in.Endpoint, in.Active, toMS(s.now()))
	return err
}

func (s *sqliteStore) ListIntegrations(ctx context.Context) ([]Integration, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := `SELECT backend_id, kind, endpoint, active, updated_at FROM integrations ORDER BY backend_id ASC`
	return Collect(querySeq(ctx, s, q, nil, func(r scanner) (Integration, error) {
		var (
			in  Integration
			upd int64
		)
		if err := r.Scan(&in.BackendID, &in.Kind, &in.Endpoint, &in.Active, &upd); err != nil {
			return Integration{}, err
		}
		in.UpdatedAt = fromMS(upd)
		return in, nil
	}))
}

// ---- helpers ----

type scanner interface {
	Scan(dest ...any) error
}

// querySeq returns a restartable sequence: every range runs the query again.
func querySeq[T any](ctx context.Context, s *sqliteStore, q string, args []any, scan func(scanner) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := s.ready(); err != nil {
			yield(zero, err)
			return
		}
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(zero, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, err)
		}
	}
}

func whereClause(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMSPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toMS(*t)
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
