// Package amazon fetches product snapshots from Amazon.
//
// Two interchangeable sources implement the same Fetch contract: a signed
// PA-API 5.0 client and a page scraper. Callers pick one per run (see
// internal/rotation); failures carry typed reasons so retry policy can
// differ per cause.
package amazon
