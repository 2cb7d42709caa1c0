// Package storage is steward's durable store.
//
// It persists five logical tables:
//   - memory (category/key upserts)
//   - interactions (append-only, with tags)
//   - tasks (status changes via compare-and-swap)
//   - jobs (scheduler state, versioned for compare-and-swap)
//   - backend_health and integrations (router state)
//
// All timestamps used for ordering are stamped by the store clock.
package storage
