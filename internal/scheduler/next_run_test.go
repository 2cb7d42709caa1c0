package scheduler

import (
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	t.Parallel()
	// 2024-03-01 is a Friday.
	from := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	plus2 := time.FixedZone("UTC+2", 2*3600)

	tests := []struct {
		name     string
		schedule string
		from     time.Time
		loc      *time.Location
		want     time.Time
	}{
		{name: "daily later today", schedule: "0 9 * * *", from: from, loc: time.UTC, want: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		{name: "strictly after", schedule: "0 9 * * *", from: from.Add(time.Hour), loc: time.UTC, want: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)},
		{name: "weekly sunday", schedule: "0 2 * * 0", from: from, loc: time.UTC, want: time.Date(2024, 3, 3, 2, 0, 0, 0, time.UTC)},
		{name: "at weekly", schedule: "at:sunday 02:00", from: from, loc: time.UTC, want: time.Date(2024, 3, 3, 2, 0, 0, 0, time.UTC)},
		{name: "location", schedule: "0 9 * * *", from: from, loc: plus2, want: time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)},
		{name: "interval", schedule: "3h", from: from, loc: time.UTC, want: from.Add(3 * time.Hour)},
		{name: "every descriptor", schedule: "@every 15m", from: from, loc: time.UTC, want: from.Add(15 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextRun(tt.schedule, tt.from, tt.loc)
			if err != nil {
				t.Fatalf("NextRun(%q) error: %v", tt.schedule, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun(%q) = %v, want %v", tt.schedule, got, tt.want)
			}
		})
	}
}

func TestNextRunInvalid(t *testing.T) {
	t.Parallel()
	if _, err := NextRun("nope", time.Now(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	a := startupSpread(time.Hour, "learning_analysis")
	if a != startupSpread(time.Hour, "learning_analysis") {
		t.Fatal("spread must be deterministic per job id")
	}
	if a < 0 || a >= maxStartupSpread {
		t.Fatalf("spread %v out of range", a)
	}
	if s := startupSpread(10*time.Second, "x"); s >= 10*time.Second {
		t.Fatalf("spread %v must stay below the interval", s)
	}
	if s := startupSpread(0, "x"); s != 0 {
		t.Fatalf("spread for zero interval = %v", s)
	}
}

func TestFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	p, _ := ParseSchedule("1h")
	got := firstRun(p, now, time.UTC, "health_check")
	if got.Before(now.Add(time.Hour)) || !got.Before(now.Add(time.Hour+maxStartupSpread)) {
		t.Fatalf("interval first run %v outside [1h, 1h30s)", got.Sub(now))
	}

	p, _ = ParseSchedule("0 9 * * *")
	if got := firstRun(p, now, time.UTC, "daily_update"); !got.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("cron first run = %v", got)
	}
}
