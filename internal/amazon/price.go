package amazon

import (
	"regexp"
	"strconv"
	"strings"
)

// Price text arrives in whatever locale the marketplace renders: "€29,99",
// "1.299,99", "1,299.99", "$19.99", "29". ParsePrice normalizes all of them
// to a plain float.
//
// The ladder below is ordered so grouped-thousands forms win over bare
// decimal forms. That ordering is a deliberate disambiguation policy:
// "1.234" is read as one thousand two hundred thirty-four (thousands
// grouping), never as 1.234.
var (
	reNumericToken = regexp.MustCompile(`[0-9][0-9.,]*[0-9]|[0-9]`)

	reEuroGrouped = regexp.MustCompile(`^(\d{1,3}(?:\.\d{3})+)(?:,(\d{2}))?$`)
	reUsGrouped   = regexp.MustCompile(`^(\d{1,3}(?:,\d{3})+)(?:\.(\d{2}))?$`)
	reCommaDec    = regexp.MustCompile(`^(\d+),(\d{2})$`)
	reDotDec      = regexp.MustCompile(`^(\d+)\.(\d{2})$`)
	reInteger     = regexp.MustCompile(`^\d+$`)
)

// ParsePrice extracts a positive price from raw text. The second return is
// false when no numeric price could be recognized.
func ParsePrice(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	// Drop currency glyphs before hunting for the number itself.
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '€', '$', '£', '¥':
			return -1
		}
		return r
	}, raw)

	// The price node often carries extra text ("29,99 € incl. VAT"); take
	// the first numeric token and disambiguate it as a whole.
	token := reNumericToken.FindString(cleaned)
	if token == "" {
		return 0, false
	}

	if m := reEuroGrouped.FindStringSubmatch(token); m != nil {
		return composeParts(strings.ReplaceAll(m[1], ".", ""), m[2])
	}
	if m := reUsGrouped.FindStringSubmatch(token); m != nil {
		return composeParts(strings.ReplaceAll(m[1], ",", ""), m[2])
	}
	if m := reCommaDec.FindStringSubmatch(token); m != nil {
		return composeParts(m[1], m[2])
	}
	if m := reDotDec.FindStringSubmatch(token); m != nil {
		return composeParts(m[1], m[2])
	}
	if reInteger.MatchString(token) {
		return composeParts(token, "")
	}

	return 0, false
}

// composeParts builds a float from a whole part and an optional two-digit
// fraction. Used by ParsePrice and by the scraper's whole+fraction strategy.
func composeParts(whole, fraction string) (float64, bool) {
	whole = strings.TrimSpace(whole)
	if whole == "" {
		return 0, false
	}
	s := whole
	if fraction != "" {
		s = whole + "." + fraction
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
