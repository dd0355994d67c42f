// Package notifier provides the async delivery pipeline for price alerts,
// digests, and operator notices.
//
// Senders enqueue a transport.Notification and return immediately; a small
// worker pool drains the queue behind a shared rate limit so a burst of
// drops found in one rotation sweep cannot trip platform flood control.
// Sends retry with exponential backoff, and a dedup window suppresses
// repeats of the same alert. With persistence enabled the suppress-until
// marks are written through to the store, so a restart does not re-alert
// watchers about a drop they were already told about.
//
// # Transport
//
// Delivery goes through a transport.Adapter (the Telegram adapter here),
// keeping throttling and formatting concerns out of the callers.
//
// # History
//
// The service keeps a short in-memory tail of sent notifications for the
// /status command.
package notifier
