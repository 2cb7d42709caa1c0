package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/internal/model"
	"steward/internal/router"
	"steward/internal/storage"
)

const handoffContextItems = 10

// MemoryStore is the part of storage.Store the handoff backend uses.
type MemoryStore interface {
	PutMemory(ctx context.Context, e model.MemoryEntry) (model.MemoryEntry, error)
	QueryMemory(ctx context.Context, f storage.MemoryFilter) iter.Seq2[model.MemoryEntry, error]
}

// HandoffPackage is the file written for a development handoff.
type HandoffPackage struct {
	ID            string               `json:"id"`
	ProjectName   string               `json:"project_name"`
	Description   string               `json:"description,omitempty"`
	Instructions  string               `json:"instructions"`
	Tags          []string             `json:"tags,omitempty"`
	MemoryContext []handoffMemoryEntry `json:"memory_context"`
	Timestamp     time.Time            `json:"timestamp"`
	HandoffType   string               `json:"handoff_type"`
}

type handoffMemoryEntry struct {
	Category  string          `json:"category"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HandoffBackend packages the prompt with recent memory into a JSON file for
// another agent to pick up. Success means the file was written.
type HandoffBackend struct {
	id  string
	dir string
	st  MemoryStore
	now func() time.Time
}

func NewHandoff(id, dir string, st MemoryStore) (*HandoffBackend, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("backend id is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("backend %s: handoff dir is required", id)
	}
	return &HandoffBackend{id: id, dir: dir, st: st, now: time.Now}, nil
}

func (b *HandoffBackend) ID() string { return b.id }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (b *HandoffBackend) Execute(ctx context.Context, req router.Request) (router.Response, error) {
	project := strings.TrimSpace(req.Meta["project"])
	if project == "" {
		project = "steward_project"
	}
	now := b.now().UTC()
	pkg := HandoffPackage{
		ID:           uuid.NewString(),
		ProjectName:  project,
		Description:  req.Meta["description"],
		Instructions: req.Prompt,
		Tags:         req.Tags,
		Timestamp:    now,
		HandoffType:  "development_continuation",
	}
	if b.st != nil {
		seq := b.st.QueryMemory(ctx, storage.MemoryFilter{Newest: true, Limit: handoffContextItems})
		for e, err := range seq {
			if err != nil {
				return router.Response{}, fmt.Errorf("handoff memory context: %w", err)
			}
			if e.Category == model.CategoryCredentials {
				continue
			}
			pkg.MemoryContext = append(pkg.MemoryContext, handoffMemoryEntry{
				Category: e.Category, Key: e.Key, Value: asJSON(e.Value), UpdatedAt: e.UpdatedAt,
			})
		}
	}

	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return router.Response{}, err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return router.Response{}, fmt.Errorf("handoff dir: %w", err)
	}
	name := fmt.Sprintf("handoff_%s_%s.json", unsafeName.ReplaceAllString(project, "_"), now.Format("20060102_150405"))
	path := filepath.Join(b.dir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return router.Response{}, err
	}

	if b.st != nil {
		if _, err := b.st.PutMemory(ctx, model.MemoryEntry{
			Category: model.CategoryHandoffs,
			Key:      "handoff_" + name,
			Value:    data,
		}); err != nil {
			return router.Response{}, fmt.Errorf("record handoff: %w", err)
		}
	}
	return router.Response{
		BackendID: b.id,
		Content:   path,
		Success:   true,
		Score:     1,
		Meta:      map[string]string{"handoff_id": pkg.ID, "bytes": fmt.Sprint(len(data))},
	}, nil
}

// Health checks that the handoff directory is writable.
func (b *HandoffBackend) Health(ctx context.Context) (router.HealthStatus, error) {
	start := time.Now()
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return router.HealthStatus{Detail: err.Error()}, err
	}
	f, err := os.CreateTemp(b.dir, ".probe-*")
	if err != nil {
		return router.HealthStatus{Detail: err.Error()}, err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return router.HealthStatus{OK: true, Latency: time.Since(start), Detail: b.dir}, nil
}

// asJSON keeps JSON values as-is and quotes anything else as a string.
func asJSON(v []byte) json.RawMessage {
	if json.Valid(v) {
		return json.RawMessage(v)
	}
	q, _ := json.Marshal(string(v))
	return q
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write handoff: %w", err)
	}
	return nil
}
