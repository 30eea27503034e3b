package core

import (
	"fmt"
	"strings"
)

// ParseChallenge parses the first challenge of a WWW-Authenticate header,
// e.g. Bearer realm="https://auth.docker.io/token",service="registry.docker.io".
// Quoted values may contain commas and backslash escapes. Malformed scope
// entries are skipped.
func ParseChallenge(header string) (Challenge, error) {
	s := strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(s, " ")
	if scheme == "" || strings.Contains(scheme, "=") {
		return Challenge{}, fmt.Errorf("%w: challenge %q has no scheme", ErrMalformedResponse, header)
	}

	params, err := parseAuthParams(rest)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: challenge %q: %w", ErrMalformedResponse, header, err)
	}

	c := Challenge{
		Scheme:  strings.ToLower(scheme),
		Realm:   params["realm"],
		Service: params["service"],
		Error:   params["error"],
	}
	for _, field := range strings.Fields(params["scope"]) {
		if scope, err := ParseScope(field); err == nil {
			c.Scopes = append(c.Scopes, scope)
		}
	}
	return c, nil
}

// parseAuthParams reads comma-separated key=value pairs until the input ends
// or a following challenge begins.
func parseAuthParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return params, nil
		}
		key := strings.TrimSpace(s[:eq])
		if strings.ContainsAny(key, " \t,") {
			// Next challenge ("Basic realm=...").
			return params, nil
		}
		s = strings.TrimLeft(s[eq+1:], " \t")

		var val string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			closed := false
			i := 1
			for ; i < len(s); i++ {
				ch := s[i]
				if ch == '\\' && i+1 < len(s) {
					i++
					b.WriteByte(s[i])
					continue
				}
				if ch == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(ch)
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			val = b.String()
			s = s[i:]
		} else {
			end := strings.IndexAny(s, ", \t")
			if end < 0 {
				end = len(s)
			}
			val = s[:end]
			s = s[end:]
		}
		params[strings.ToLower(key)] = val
	}
}
