// Package addrutil holds small, stateless address-text helpers shared by
// the directory and Sieve components: basic email sanitization and
// IMAP-style mailbox pattern matching.
package addrutil

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Sanitize lowercases and strips whitespace from email, returning the
// cleaned address and true iff it contains exactly one '@' with a
// non-empty local part and a domain containing at least one '.' after the
// '@', every '.' preceded by an alphanumeric, '-', or '_', and not itself
// ending with '.'.
func Sanitize(email string) (string, bool) {
	var b strings.Builder
	b.Grow(len(email))
	foundLocal := false
	foundDomain := false
	var lastCh rune = 0

	for _, ch := range email {
		if unicode.IsSpace(ch) {
			continue
		}
		if ch == '@' {
			if b.Len() > 0 && !foundLocal {
				foundLocal = true
			} else {
				return "", false
			}
		} else if ch == '.' {
			if !(unicode.IsLetter(lastCh) || unicode.IsDigit(lastCh) || lastCh == '-' || lastCh == '_') {
				return "", false
			}
			if foundLocal {
				foundDomain = true
			}
		}
		lastCh = ch
		for _, lc := range string(unicode.ToLower(ch)) {
			b.WriteRune(lc)
		}
	}

	if foundDomain && lastCh != '.' {
		return b.String(), true
	}
	return "", false
}

var (
	patternCacheMu sync.Mutex
	patternCache   = map[string]*regexp.Regexp{}
)

// compilePattern translates an IMAP LIST-style pattern into an anchored
// regular expression: '%' matches any run of characters not containing
// '/', '*' matches any run including '/'. Every other rune is escaped
// literally.
func compilePattern(pattern string) *regexp.Regexp {
	patternCacheMu.Lock()
	if re, ok := patternCache[pattern]; ok {
		patternCacheMu.Unlock()
		return re
	}
	patternCacheMu.Unlock()

	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '%':
			b.WriteString("[^/]*")
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())

	patternCacheMu.Lock()
	patternCache[pattern] = re
	patternCacheMu.Unlock()
	return re
}

// MatchesPattern reports whether name matches any of patterns, using
// IMAP-style LIST globbing ('%' stops at '/', '*' does not).
func MatchesPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if compilePattern(p).MatchString(name) {
			return true
		}
	}
	return false
}
