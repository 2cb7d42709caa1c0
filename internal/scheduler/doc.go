// Package scheduler runs steward's autonomous jobs.
//
// Job state lives in the store, not in memory:
//   - due jobs are claimed with a compare-and-swap lease, so two processes
//     (or a restarted one) never run the same due slot twice
//   - a lease that expires without completion marks its job due again
//   - a failed run is retried once after RetryDelay, then the normal cadence
//     resumes
//
// NextRun is the single place where schedules turn into times.
package scheduler
