// Package storage persists subscribers, tracked items, watches, price
// observations and rotation cursors in a single SQLite database. It also
// keeps the notifier dedup state and an audit trail of operator actions so
// both survive restarts.
package storage
