// Package model holds the entities shared by the store, learning engine,
// router, task manager and scheduler.
package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Memory categories used by autonomous jobs.
const (
	CategoryGeneral     = "general"
	CategoryReports     = "reports"
	CategoryAnalysis    = "analysis"
	CategoryLearning    = "learning"
	CategoryHealth      = "health"
	CategoryMaintenance = "maintenance"
	CategoryImprovement = "self_improvement"
	CategoryErrors      = "errors"
	CategoryHandoffs    = "handoffs"
	CategoryCredentials = "credentials"
	CategoryPreferences = "preferences"
)

type MemoryEntry struct {
	Key       string    `json:"key"`
	Category  string    `json:"category"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InteractionRecord is immutable once written.
type InteractionRecord struct {
	ID           string        `json:"id"`
	PromptDigest string        `json:"prompt_digest"`
	BackendID    string        `json:"backend_id"`
	SuccessScore float64       `json:"success_score"`
	Latency      time.Duration `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
	Tags         []string      `json:"tags,omitempty"`
}

// PromptDigest returns a stable, non-reversible identifier for a prompt.
func PromptDigest(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:16])
}

// NormalizeTags lower-cases, trims and dedupes tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Priority is ordered: LOW < NORMAL < HIGH < URGENT.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (use LOW, NORMAL, HIGH or URGENT)", s)
	}
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Open reports whether the task still needs work.
func (s TaskStatus) Open() bool { return s == TaskPending || s == TaskInProgress }

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case TaskPending, TaskInProgress, TaskDone, TaskCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

type Origin string

const (
	OriginUser       Origin = "USER"
	OriginAutonomous Origin = "AUTONOMOUS"
)

type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Priority  Priority   `json:"priority"`
	Status    TaskStatus `json:"status"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Origin    Origin     `json:"origin"`
	SourceRef string     `json:"source_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

type BackendHealth struct {
	BackendID           string        `json:"backend_id"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	CircuitState        CircuitState  `json:"circuit_state"`
	OpenedAt            time.Time     `json:"opened_at"`
	Cooldown            time.Duration `json:"cooldown"`
	LastLatency         time.Duration `json:"last_latency"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type JobKind string

const (
	JobDailyUpdate      JobKind = "DAILY_UPDATE"
	JobLearningAnalysis JobKind = "LEARNING_ANALYSIS"
	JobHealthCheck      JobKind = "HEALTH_CHECK"
	JobSelfAssessment   JobKind = "SELF_ASSESSMENT"
	JobMemoryCleanup    JobKind = "MEMORY_CLEANUP"
)

func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case JobDailyUpdate, JobLearningAnalysis, JobHealthCheck, JobSelfAssessment, JobMemoryCleanup:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

type JobStatus string

const (
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
	JobSkipped JobStatus = "SKIPPED"
)

// ScheduledJob is persisted so restarts neither re-fire nor lose due jobs.
//
// Version is bumped by the store on every write and is the compare-and-swap
// token. LeaseUntil is set while a run is in flight; a lease that expires
// without completion means the owning process died and the job is due again.
type ScheduledJob struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Schedule     string    `json:"schedule"`
	OneShot      bool      `json:"one_shot,omitempty"`
	Paused       bool      `json:"paused,omitempty"`
	NextRunAt    time.Time `json:"next_run_at"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastStatus   JobStatus `json:"last_status,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	RetryPending bool      `json:"retry_pending,omitempty"`
	LeaseUntil   time.Time `json:"lease_until"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Due reports whether the job should start at now.
func (j ScheduledJob) Due(now time.Time) bool {
	if j.Paused || j.NextRunAt.IsZero() {
		return false
	}
	if !j.LeaseUntil.IsZero() && now.Before(j.LeaseUntil) {
		return false
	}
	return !j.NextRunAt.After(now)
}

// RoutingHints maps backend_id to a score adjustment in [-1, 1].
type RoutingHints map[string]float64

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendRecurring Trend = "recurring"
)

type TaskSuggestion struct {
	Title     string   `json:"title"`
	Priority  Priority `json:"priority"`
	Tag       string   `json:"tag"`
	Trend     Trend    `json:"trend"`
	SourceRef string   `json:"source_ref,omitempty"`
}
