package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 30 * time.Second

// NextRun returns the first run time strictly after from.
//
// Cron schedules are evaluated in loc (nil means time.Local); intervals are
// simply from + every.
func NextRun(schedule string, from time.Time, loc *time.Location) (time.Time, error) {
	p, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(from, loc), nil
}

// Next returns the first run time strictly after from.
func (p ParsedSpec) Next(from time.Time, loc *time.Location) time.Time {
	switch p.Kind {
	case SpecInterval:
		return from.Add(p.Every)
	default:
		if loc == nil {
			loc = time.Local
		}
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(from.In(loc))
	}
}

// firstRun is the initial slot for a newly registered job. Interval jobs get
// a small per-job offset so jobs registered together don't fire together.
func firstRun(p ParsedSpec, now time.Time, loc *time.Location, jobID string) time.Time {
	if p.Kind == SpecInterval {
		return now.Add(p.Every + startupSpread(p.Every, jobID))
	}
	return p.Next(now, loc)
}

// startupSpread is deterministic per job id, in [0, min(every, 30s)).
func startupSpread(every time.Duration, jobID string) time.Duration {
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return 0
	}
	spread := time.Duration(fnv64a(jobID) % uint64(spreadMax))
	return spread.Truncate(time.Millisecond)
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
