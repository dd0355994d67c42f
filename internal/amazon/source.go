package amazon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reason classifies why a fetch failed. Callers switch on it to decide
// logging and retry policy; every reason is retried on the next scheduled
// cycle, never immediately.
type Reason string

const (
	// ReasonNotFound: the item does not exist (or the API refuses to expose it).
	ReasonNotFound Reason = "not_found"
	// ReasonRateLimited: upstream told us to slow down.
	ReasonRateLimited Reason = "rate_limited"
	// ReasonBlocked: anti-bot wall (CAPTCHA / robot check). Ops-alert worthy.
	ReasonBlocked Reason = "blocked"
	// ReasonNetwork: transport-level failure or upstream 5xx.
	ReasonNetwork Reason = "network"
	// ReasonUnsigned: credentials rejected or missing. Fatal for the API
	// source within a run; the caller falls back to scraping.
	ReasonUnsigned Reason = "unsigned"
	// ReasonNoPrice: the response was readable but carried no usable price.
	ReasonNoPrice Reason = "no_price"
)

// FetchError is the only error type Fetch returns for upstream failures.
type FetchError struct {
	ASIN   ASIN
	Reason Reason
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.ASIN, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.ASIN, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReasonOf extracts the fetch reason from err, or "" if err is not a FetchError.
func ReasonOf(err error) Reason {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Snapshot is the result of one fetch attempt. It is never persisted as-is;
// the tracker copies what it needs. Price is nil when the source could not
// determine one (metadata may still be present).
type Snapshot struct {
	ASIN         ASIN
	Title        string
	Price        *float64
	Currency     string
	Availability string
	URL          string
	CheckedAt    time.Time
}

// HasPrice reports whether the snapshot carries a positive price.
func (s *Snapshot) HasPrice() bool {
	return s != nil && s.Price != nil && *s.Price > 0
}

// Source is the uniform fetch capability both variants implement.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asin ASIN) (*Snapshot, error)
}

// waitSince blocks until at least min has passed after last, honoring ctx.
// Both sources use it to keep a courtesy interval between upstream calls.
func waitSince(ctx context.Context, last time.Time, min time.Duration) error {
	if min <= 0 || last.IsZero() {
		return nil
	}
	wait := min - time.Since(last)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func floatPtr(v float64) *float64 { return &v }
