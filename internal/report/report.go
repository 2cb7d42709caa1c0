// Package report renders job reports and delivers them to sinks.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Report kinds.
const (
	KindDailyUpdate = "daily_update"
	KindJobFailure  = "job_failure"
)

type Section struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}

// Report is a rendered job output. Data carries the machine-readable form
// and is what gets persisted in memory.
type Report struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	GeneratedAt time.Time      `json:"generated_at"`
	Sections    []Section      `json:"sections,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Add appends a section and returns r for chaining.
func (r *Report) Add(title string, lines ...string) *Report {
	r.Sections = append(r.Sections, Section{Title: title, Lines: lines})
	return r
}

// Sink receives reports. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, r Report) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render formats a report as plain text.
func Render(r Report) string {
	var b strings.Builder
	b.WriteString(r.Title)
	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "\n%s", r.GeneratedAt.Format("2006-01-02 15:04 MST"))
	}
	for _, s := range r.Sections {
		b.WriteString("\n\n")
		if s.Title != "" {
			b.WriteString(s.Title)
			b.WriteByte('\n')
		}
		for i, l := range s.Lines {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("• ")
			b.WriteString(l)
		}
		if len(s.Lines) == 0 {
			b.WriteString("• none")
		}
	}
	return b.String()
}

// Ago renders t relative to now ("3 hours ago"), or "never".
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Count renders n with thousands separators.
func Count(n int) string { return humanize.Comma(int64(n)) }

// Percent renders a [0,1] ratio as a percentage.
func Percent(v float64) string { return humanize.FtoaWithDigits(v*100, 1) + "%" }
