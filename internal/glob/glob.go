// Package glob implements the Redis flavour of glob matching, used to
// decide which PSUBSCRIBE patterns a published channel name matches.
//
// Supported syntax: a star matches any run of characters, including
// none; a question mark matches exactly one character; [abc] matches
// one character from the set, [a-c] one from the range, and [^abc] one
// character not in the set.
//
// Any other character matches itself. There is no escape character, in
// keeping with how channel patterns behave on the server.
package glob

// Match reports whether name matches pattern.
func Match(pattern, name string) bool {
	return match(pattern, name)
}

func match(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			// Collapse consecutive stars, then try every split point.
			for len(p) > 1 && p[1] == '*' {
				p = p[1:]
			}
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if match(p[1:], s[i:]) {
					return true
				}
			}
			return false

		case '?':
			if len(s) == 0 {
				return false
			}

		case '[':
			rest, ok := matchClass(p, s)
			if !ok {
				return false
			}
			p = rest
			s = s[1:]
			continue

		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
		}

		p = p[1:]
		s = s[1:]
	}

	return len(s) == 0
}

// matchClass matches a single character of s against the [...] class at
// the start of p. It returns the pattern remaining after the class.
func matchClass(p, s string) (rest string, ok bool) {
	if len(s) == 0 {
		return "", false
	}

	ch := s[0]

	// Skip the opening bracket.
	p = p[1:]

	negate := false
	if len(p) > 0 && p[0] == '^' {
		negate = true
		p = p[1:]
	}

	matched := false
	seen := false

	for len(p) > 0 && (p[0] != ']' || !seen) {
		seen = true

		if len(p) >= 3 && p[1] == '-' && p[2] != ']' {
			if p[0] <= ch && ch <= p[2] {
				matched = true
			}
			p = p[3:]
			continue
		}

		if p[0] == ch {
			matched = true
		}
		p = p[1:]
	}

	if len(p) == 0 {
		// Unterminated class never matches, same as an impossible one.
		return "", false
	}

	// Skip the closing bracket.
	p = p[1:]

	if negate {
		matched = !matched
	}

	return p, matched
}
