package amazon

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ASIN is Amazon's 10-character alphanumeric catalog identifier.
type ASIN string

func (a ASIN) String() string { return string(a) }

// Valid reports whether a has the canonical ASIN shape: exactly 10
// characters, A-Z and 0-9 only.
func (a ASIN) Valid() bool {
	if len(a) != 10 {
		return false
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// ParseASIN normalizes and validates a bare ASIN string.
func ParseASIN(s string) (ASIN, error) {
	a := ASIN(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("invalid asin %q", s)
	}
	return a, nil
}

var (
	rePathASIN = regexp.MustCompile(`(?i)/(?:dp|gp/product|product)/([A-Z0-9]{10})(?:[/?#]|$)`)
	reBareASIN = regexp.MustCompile(`\b([A-Z0-9]{10})\b`)
)

// ExtractASIN pulls an ASIN out of free-form text, usually a pasted product
// link. Recognized shapes, tried in order:
//
//	https://www.amazon.it/dp/B08N5WRWNW
//	https://www.amazon.it/gp/product/B08N5WRWNW
//	https://www.amazon.it/some-product-name/dp/B08N5WRWNW/ref=...
//	...?asin=B08N5WRWNW
//	a bare 10-character token
func ExtractASIN(text string) (ASIN, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if m := rePathASIN.FindStringSubmatch(text); m != nil {
		if a := ASIN(strings.ToUpper(m[1])); a.Valid() {
			return a, true
		}
	}

	if u, err := url.Parse(text); err == nil {
		if q := u.Query().Get("asin"); q != "" {
			if a := ASIN(strings.ToUpper(q)); a.Valid() {
				return a, true
			}
		}
	}

	// Bare token fallback: only accept candidates that carry at least one
	// digit, otherwise ordinary ten-letter words would pass.
	for _, m := range reBareASIN.FindAllStringSubmatch(strings.ToUpper(text), -1) {
		a := ASIN(m[1])
		if a.Valid() && strings.ContainsAny(string(a), "0123456789") {
			return a, true
		}
	}

	return "", false
}
