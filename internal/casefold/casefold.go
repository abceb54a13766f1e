// Package casefold implements the RFC 1459 case mapping used to fold nicks
// and channel names, and wildcard mask matching over nick!user@host strings.
package casefold

import "strings"

// Fold applies the rfc1459 case mapping: ASCII letters fold as usual, and
// additionally '{', '}', '|', '~' are treated as the lowercase forms of
// '[', ']', '\', '^'.
func Fold(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b[i] = foldByte(s[i])
	}
	return string(b)
}

func foldByte(c byte) byte {
	switch {
	case c >= 'A' && c <= 'Z':
		return c + ('a' - 'A')
	case c == '[':
		return '{'
	case c == ']':
		return '}'
	case c == '\\':
		return '|'
	case c == '^':
		return '~'
	default:
		return c
	}
}

// Equal reports whether a and b are equal under rfc1459 case folding.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}

// Match reports whether a nick!user@host style mask matches candidate,
// using '*' (any run, including empty) and '?' (exactly one char) as
// wildcards. Both mask and candidate are case-folded before matching, so
// Match(m, s) == Match(Fold(m), Fold(s)) holds by construction.
func Match(mask, candidate string) bool {
	return globMatch(Fold(mask), Fold(candidate))
}

// globMatch is a classic iterative '*'/'?' glob matcher (no backtracking
// stack growth: it keeps a single "last star" checkpoint and resumes from
// there on mismatch).
func globMatch(pattern, s string) bool {
	var pi, si int
	var starIdx = -1
	var starMatch int

	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]) {
			pi++
			si++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			starMatch = si
			pi++
			continue
		}
		if starIdx >= 0 {
			pi = starIdx + 1
			starMatch++
			si = starMatch
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// BuildMask renders a canonical nick!user@host mask from its parts, using
// "*" as the placeholder for an absent part, matching the convention used
// by OPER/ban numerics and relay payloads.
func BuildMask(nick, user, host string) string {
	if nick == "" {
		nick = "*"
	}
	if user == "" {
		user = "*"
	}
	if host == "" {
		host = "*"
	}
	var b strings.Builder
	b.WriteString(nick)
	b.WriteByte('!')
	b.WriteString(user)
	b.WriteByte('@')
	b.WriteString(host)
	return b.String()
}

// ValidNick reports whether s is a syntactically legal IRC nickname: starts
// with a letter or one of []\^_`{|}~, followed by letters, digits, or
// []\^_-`{|}~, within maxLen.
func ValidNick(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	if !isNickLead(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNickTail(s[i]) {
			return false
		}
	}
	return true
}

func isNickLead(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || strings.IndexByte("[]\\^_`{|}~", c) >= 0
}

func isNickTail(c byte) bool {
	return isNickLead(c) || (c >= '0' && c <= '9') || c == '-'
}

// ValidChannel reports whether s is a syntactically legal channel name: it
// must begin with '#' or '&', contain no spaces, commas, or control-G, and
// fit within maxLen.
func ValidChannel(s string, maxLen int) bool {
	if len(s) < 2 || len(s) > maxLen {
		return false
	}
	if s[0] != '#' && s[0] != '&' {
		return false
	}
	return !strings.ContainsAny(s, " ,\x07")
}
