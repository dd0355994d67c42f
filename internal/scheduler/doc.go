// Package scheduler runs the recurring jobs of the tracker: one rotation
// sweep per tier and the daily watchlist digest.
//
// # Schedule formats
//
// Task schedules accept multiple syntaxes:
//
//   - Cron expressions, 5-field (min hour dom mon dow): "*/10 * * * *".
//   - Cron descriptors: "@hourly", "@daily", "@every 55m".
//   - Interval durations: Go duration strings like "10m" or "2h30m".
//   - Interval HH:MM: a compact duration form where "00:50" means every 50
//     minutes and "02:30" means every 2 hours 30 minutes.
//
// To force interpretation, callers may prefix the string with "cron:" or
// "every:". AddDaily takes a wall-clock HH:MM instead and fires once a day
// at that time in the scheduler timezone.
//
// # Overlap
//
// A task never overlaps itself. When a fire arrives while the previous run
// of the same task is still executing, the fire is skipped and counted, so
// a slow sweep coalesces with the next one instead of stacking. Distinct
// tasks run independently.
//
// # Lifecycle
//
// Tasks may be registered before Start; definitions are stored and armed
// when the service starts. Apply picks up timezone changes at runtime by
// restarting the underlying cron runner.
package scheduler
