package router

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq uint64

// newReqID returns a short id unique within the process: a base36
// timestamp plus an atomic sequence number.
func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}

// tokenizeCommandLine splits a command line into tokens. Double or
// single quotes group spaces into one token and a backslash escapes the
// next character, so `/target B01ABCDE12 "1 299,00"` parses the way a
// shell user expects.
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote byte
		esc   bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			cur.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags separates args into positionals and flags. Long flags take
// --k=v, --k v or bare --flag; short flags take -k=v, -k v, and a
// clustered -abc sets a, b and c. A lone "-" stays positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}

	// nextValue reports whether args[i+1] can serve as a flag value.
	nextValue := func(i int) (string, bool) {
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key := a[2:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
			} else if v, ok := nextValue(i); ok {
				flags[key] = v
				i++
			} else {
				bools[key] = true
			}
		case strings.HasPrefix(a, "-") && len(a) > 1:
			key := a[1:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
				continue
			}
			if len(key) == 1 {
				if v, ok := nextValue(i); ok {
					flags[key] = v
					i++
				} else {
					bools[key] = true
				}
				continue
			}
			for j := 0; j < len(key); j++ {
				bools[string(key[j])] = true
			}
		default:
			pos = append(pos, a)
		}
	}
	return pos, flags, bools
}
