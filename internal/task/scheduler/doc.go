// Package scheduler turns persisted schedules into task runs.
//
// The scheduler is responsible for:
//   - registering schedules in the store
//   - polling the store for due schedules
//   - applying misfire policies and computing the next fire time
//   - claiming each occurrence with a compare-and-swap, so several
//     instances can share one store
//   - handing claimed occurrences to the task engine and recording runs
//
// Execution itself lives in internal/task/engine.
package scheduler
