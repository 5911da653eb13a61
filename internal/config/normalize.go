package config

import "strings"

// DefaultSessionID is used when a session name normalizes to nothing.
const DefaultSessionID = "default"

const maxSessionIDLen = 64

// NormalizeSessionID turns a user-provided session name into an
// identifier safe for session keys and file names: lowercase, limited
// to [a-z0-9_-], at most 64 characters. Runs of other characters
// collapse to a single dash, dashes are trimmed from both ends, and an
// empty result falls back to DefaultSessionID.
func NormalizeSessionID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case r == '-':
			b.WriteByte('-')
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = true
		}
	}

	id := strings.Trim(b.String(), "-")
	if len(id) > maxSessionIDLen {
		id = strings.TrimRight(id[:maxSessionIDLen], "-")
	}
	if id == "" {
		return DefaultSessionID
	}
	return id
}
